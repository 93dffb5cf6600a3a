// Package logging provides logrus hooks for the first-boot provisioner:
// a durable append-only file hook so headless runs leave an auditable
// trail, and a journald hook for one-shot unit invocations.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
	logrus "github.com/sirupsen/logrus"
)

// FileHook mirrors every entry to an append-only log file with a timestamp.
type FileHook struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileHook opens (or creates) the durable log at path.
func NewFileHook(path string) (*FileHook, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening durable log %s: %w", path, err)
	}
	return &FileHook{file: f}, nil
}

func (h *FileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *FileHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	line := fmt.Sprintf("%s [%s] %s\n",
		entry.Time.Format(time.RFC3339), strings.ToUpper(entry.Level.String()), entry.Message)
	_, err := h.file.WriteString(line)
	return err
}

func (h *FileHook) Close() error {
	return h.file.Close()
}

// JournalHook forwards entries to the systemd journal.
type JournalHook struct{}

var severityMap = map[logrus.Level]journal.Priority{
	logrus.DebugLevel: journal.PriDebug,
	logrus.InfoLevel:  journal.PriInfo,
	logrus.WarnLevel:  journal.PriWarning,
	logrus.ErrorLevel: journal.PriErr,
	logrus.FatalLevel: journal.PriCrit,
	logrus.PanicLevel: journal.PriEmerg,
}

func stringifyOp(r rune) rune {
	switch {
	case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		return r
	case r >= 'a' && r <= 'z':
		return r - 32
	default:
		return '_'
	}
}

// Journal field names are uppercase with a restricted character set.
func stringifyKey(key string) string {
	key = strings.Map(stringifyOp, key)
	return strings.TrimPrefix(key, "_")
}

func stringifyEntries(data map[string]interface{}) map[string]string {
	entries := make(map[string]string, len(data))
	for k, v := range data {
		entries[stringifyKey(k)] = fmt.Sprint(v)
	}
	return entries
}

func (h *JournalHook) Fire(entry *logrus.Entry) error {
	return journal.Send(entry.Message, severityMap[entry.Level], stringifyEntries(entry.Data))
}

func (h *JournalHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// JournalAvailable reports whether the journal socket is reachable, so
// callers can skip the hook outside of systemd.
func JournalAvailable() bool {
	return journal.Enabled()
}
