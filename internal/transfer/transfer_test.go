package transfer

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvforge/pvforge/internal/progress"
)

func newTestEngine(strategies ...Strategy) *Engine {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	return &Engine{
		Strategies: strategies,
		Logger:     logger,
		Out:        progress.NewRenderer(&bytes.Buffer{}),
	}
}

type fakeStrategy struct {
	name    string
	payload []byte
	err     error
	called  bool
}

func (s *fakeStrategy) Name() string { return s.name }

func (s *fakeStrategy) Attempt(job Job, partialPath string, p *progress.Progress, r *progress.Renderer) error {
	s.called = true
	if s.err != nil {
		return s.err
	}
	return os.WriteFile(partialPath, s.payload, 0o644)
}

func TestFetchLadderStopsAtFirstSuccess(t *testing.T) {
	first := &fakeStrategy{name: "first", payload: []byte("abcdef")}
	second := &fakeStrategy{name: "second", payload: []byte("abcdef")}
	e := newTestEngine(first, second)

	dest := filepath.Join(t.TempDir(), "image.iso")
	path, err := e.Fetch(Job{URL: "http://example.com/x", Dest: dest, MinSize: 3})
	require.NoError(t, err)
	assert.Equal(t, dest, path)
	assert.True(t, first.called)
	assert.False(t, second.called)
}

func TestFetchLadderFallsThrough(t *testing.T) {
	first := &fakeStrategy{name: "first", err: errors.New("boom")}
	second := &fakeStrategy{name: "second", payload: []byte("abcdef")}
	e := newTestEngine(first, second)

	dest := filepath.Join(t.TempDir(), "image.iso")
	_, err := e.Fetch(Job{URL: "http://example.com/x", Dest: dest, MinSize: 3})
	require.NoError(t, err)
	assert.True(t, second.called)
}

func TestFetchAllStrategiesExhausted(t *testing.T) {
	first := &fakeStrategy{name: "first", err: errors.New("boom")}
	second := &fakeStrategy{name: "second", err: errors.New("bang")}
	e := newTestEngine(first, second)

	dest := filepath.Join(t.TempDir(), "image.iso")
	_, err := e.Fetch(Job{URL: "http://example.com/x", Dest: dest, MinSize: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first: boom")
	assert.Contains(t, err.Error(), "second: bang")
}

func TestFetchRejectsTooSmallArtifact(t *testing.T) {
	s := &fakeStrategy{name: "tiny", payload: []byte("<html>404</html>")}
	e := newTestEngine(s)

	dest := filepath.Join(t.TempDir(), "image.iso")
	_, err := e.Fetch(Job{URL: "http://example.com/x", Dest: dest, MinSize: 1 << 20})
	require.Error(t, err)
	assert.True(t, IsTooSmall(err))

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "undersized artifact must be deleted")
}

func TestFetchReusesExistingArtifact(t *testing.T) {
	s := &fakeStrategy{name: "never"}
	e := newTestEngine(s)

	dest := filepath.Join(t.TempDir(), "image.iso")
	require.NoError(t, os.WriteFile(dest, []byte("cached image"), 0o644))

	path, err := e.Fetch(Job{URL: "http://example.com/x", Dest: dest, MinSize: 3, Reuse: true})
	require.NoError(t, err)
	assert.Equal(t, dest, path)
	assert.False(t, s.called, "reuse must skip the network entirely")
}

func TestFetchIgnoresUndersizedReuseCandidate(t *testing.T) {
	s := &fakeStrategy{name: "redo", payload: bytes.Repeat([]byte("y"), 64)}
	e := newTestEngine(s)

	dest := filepath.Join(t.TempDir(), "image.iso")
	require.NoError(t, os.WriteFile(dest, []byte("<html>404</html>"), 0o644))

	path, err := e.Fetch(Job{URL: "http://example.com/x", Dest: dest, MinSize: 32, Reuse: true})
	require.NoError(t, err)
	assert.Equal(t, dest, path)
	assert.True(t, s.called, "an undersized candidate must be re-downloaded")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Len(t, got, 64)
}

func TestStreamingHTTP(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	partial := filepath.Join(t.TempDir(), "image.iso.partial")
	p := progress.New(progress.UnknownTotal)
	s := &StreamingHTTP{}
	err := s.Attempt(Job{URL: server.URL}, partial, p, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(partial)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, uint64(len(payload)), p.Done)
	assert.Equal(t, uint64(len(payload)), p.Total)
}

func TestStreamingHTTPRejectsNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	s := &StreamingHTTP{}
	err := s.Attempt(Job{URL: server.URL}, filepath.Join(t.TempDir(), "x.partial"),
		progress.New(progress.UnknownTotal), nil)
	assert.Error(t, err)
}

func TestResumingHTTPResumesFromPartial(t *testing.T) {
	full := []byte("0123456789")
	var gotRange string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		if gotRange == "bytes=4-" {
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(full[4:])
			return
		}
		_, _ = w.Write(full)
	}))
	defer server.Close()

	partial := filepath.Join(t.TempDir(), "image.iso.partial")
	require.NoError(t, os.WriteFile(partial, full[:4], 0o644))

	p := progress.New(progress.UnknownTotal)
	s := &ResumingHTTP{}
	err := s.Attempt(Job{URL: server.URL}, partial, p, nil)
	require.NoError(t, err)
	assert.Equal(t, "bytes=4-", gotRange)

	got, err := os.ReadFile(partial)
	require.NoError(t, err)
	assert.Equal(t, full, got)
	assert.Equal(t, uint64(len(full)), p.Done)
}
