// Package transfer downloads large installer artifacts. Transfer strategies
// are arranged in a ladder and attempted in order until one succeeds; a
// completed artifact below the expected minimum size is rejected so an HTML
// error page saved under the right filename never passes for an image.
package transfer

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pvforge/pvforge/internal/progress"
)

// Job is one download request. MinSize is a sanity floor, not a checksum:
// anything smaller than a plausible artifact is treated as garbage.
type Job struct {
	URL     string
	Dest    string
	MinSize uint64
	Reuse   bool // accept an existing file at Dest without touching the network
}

// TooSmallError reports an artifact that completed below the minimum size.
// The artifact has already been deleted when this error is returned.
type TooSmallError struct {
	Path string
	Size uint64
	Min  uint64
}

func (e *TooSmallError) Error() string {
	return fmt.Sprintf("%s is %d bytes, expected at least %d; deleted", e.Path, e.Size, e.Min)
}

// Strategy is one way of moving bytes from job.URL to a local path. A
// strategy writes to partialPath and leaves the file there on success.
type Strategy interface {
	Name() string
	Attempt(job Job, partialPath string, p *progress.Progress, r *progress.Renderer) error
}

// Engine tries each strategy in order.
type Engine struct {
	Strategies []Strategy
	Logger     *logrus.Logger
	Out        *progress.Renderer
}

// NewEngine returns an engine with the default ladder: retrying resumable
// HTTP, then plain streaming HTTP, then the curl binary.
func NewEngine(logger *logrus.Logger, out *progress.Renderer) *Engine {
	return &Engine{
		Strategies: []Strategy{
			&ResumingHTTP{},
			&StreamingHTTP{},
			&CommandLine{},
		},
		Logger: logger,
		Out:    out,
	}
}

// Fetch downloads job.URL to job.Dest. It returns the destination path, or
// an error aggregating every strategy failure when the ladder is exhausted.
func (e *Engine) Fetch(job Job) (string, error) {
	if job.Reuse {
		info, err := os.Stat(job.Dest)
		switch {
		case err != nil:
			e.Logger.Info("no existing artifact to reuse, downloading")
		case info.Size() == 0 || uint64(info.Size()) < job.MinSize:
			// a stale error page saved under the image name must not
			// reach the raw write
			e.Logger.Warnf("existing artifact %s is %d bytes, below the %d byte floor; re-downloading",
				job.Dest, info.Size(), job.MinSize)
		default:
			e.Logger.Infof("reusing existing artifact %s (%d bytes)", job.Dest, info.Size())
			return job.Dest, nil
		}
	}

	partial := job.Dest + ".partial"
	var failures []string
	for _, s := range e.Strategies {
		e.Logger.Infof("downloading %s via %s", job.URL, s.Name())
		p := progress.New(progress.UnknownTotal)
		err := s.Attempt(job, partial, p, e.Out)
		if err == nil {
			return e.finalize(job, partial)
		}
		e.Logger.Warnf("strategy %s failed: %v", s.Name(), err)
		failures = append(failures, fmt.Sprintf("%s: %v", s.Name(), err))
	}
	return "", fmt.Errorf("all transfer strategies failed: %s", strings.Join(failures, "; "))
}

func (e *Engine) finalize(job Job, partial string) (string, error) {
	if err := os.Rename(partial, job.Dest); err != nil {
		return "", fmt.Errorf("moving artifact into place: %w", err)
	}
	info, err := os.Stat(job.Dest)
	if err != nil {
		return "", err
	}
	if uint64(info.Size()) < job.MinSize {
		size := uint64(info.Size())
		if err := os.Remove(job.Dest); err != nil {
			e.Logger.Warnf("removing undersized artifact: %v", err)
		}
		return "", &TooSmallError{Path: job.Dest, Size: size, Min: job.MinSize}
	}
	return job.Dest, nil
}

// IsTooSmall reports whether err is a minimum-size rejection.
func IsTooSmall(err error) bool {
	var tooSmall *TooSmallError
	return errors.As(err, &tooSmall)
}
