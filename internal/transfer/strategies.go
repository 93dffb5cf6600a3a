package transfer

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/pvforge/pvforge/internal/progress"
)

const copyBufferSize = 1 << 20

// ResumingHTTP downloads with automatic retries and resumes an interrupted
// transfer from an existing partial file via a Range request.
type ResumingHTTP struct {
	// Client overrides the default retrying client, for tests.
	Client *retryablehttp.Client
}

func (s *ResumingHTTP) Name() string { return "resuming-http" }

func (s *ResumingHTTP) Attempt(job Job, partialPath string, p *progress.Progress, r *progress.Renderer) error {
	client := s.Client
	if client == nil {
		client = retryablehttp.NewClient()
		client.RetryMax = 4
		client.Logger = nil
	}

	var offset int64
	if info, err := os.Stat(partialPath); err == nil {
		offset = info.Size()
	}

	req, err := retryablehttp.NewRequest(http.MethodGet, job.URL, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
		p.Update(uint64(offset))
	case http.StatusOK:
		// server ignored the range; start over
		flags |= os.O_TRUNC
		offset = 0
	default:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if resp.ContentLength > 0 {
		p.Total = uint64(offset) + uint64(resp.ContentLength)
	}

	f, err := os.OpenFile(partialPath, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return copyWithProgress(f, resp.Body, p, r)
}

// StreamingHTTP is a plain single-shot streaming download, used when the
// retrying client keeps failing (e.g. a server that mishandles ranges).
type StreamingHTTP struct {
	Client *http.Client
}

func (s *StreamingHTTP) Name() string { return "streaming-http" }

func (s *StreamingHTTP) Attempt(job Job, partialPath string, p *progress.Progress, r *progress.Renderer) error {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 0} // multi-gigabyte bodies, no deadline
	}

	resp, err := client.Get(job.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if resp.ContentLength > 0 {
		p.Total = uint64(resp.ContentLength)
	}

	f, err := os.OpenFile(partialPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return copyWithProgress(f, resp.Body, p, r)
}

// CommandLine shells out to curl as the last rung of the ladder, for
// environments where the Go HTTP stack is hampered (odd proxies, MITM CAs
// only configured system-wide).
type CommandLine struct{}

func (s *CommandLine) Name() string { return "curl" }

func (s *CommandLine) Attempt(job Job, partialPath string, p *progress.Progress, r *progress.Renderer) error {
	cmd := exec.Command("curl", "--fail", "--location", "--retry", "3",
		"--continue-at", "-", "--output", partialPath, job.URL)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("curl: %w", err)
	}
	return nil
}

func copyWithProgress(dst io.Writer, src io.Reader, p *progress.Progress, r *progress.Renderer) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			p.Update(uint64(n))
			if r != nil {
				r.Render(p, false)
			}
		}
		if err == io.EOF {
			if r != nil {
				r.Finish(p)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
