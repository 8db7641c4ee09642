package orchestrator

import (
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

const (
	DefaultHistorySize  = 5
	DefaultDebugLogSize = 100
)

// History keeps the most recent transcripts, newest first.
type History struct {
	mu    sync.Mutex
	size  int
	items []string
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size}
}

// Add prepends text, dropping the oldest entry past capacity. Empty text is ignored.
func (h *History) Add(text string) {
	if text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append([]string{text}, h.items...)
	if len(h.items) > h.size {
		h.items = h.items[:h.size]
	}
}

func (h *History) Snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string{}, h.items...)
}

// DebugLog is a bounded FIFO of session log lines.
type DebugLog struct {
	mu      sync.Mutex
	size    int
	entries []protocol.LogEntry
}

func NewDebugLog(size int) *DebugLog {
	if size <= 0 {
		size = DefaultDebugLogSize
	}
	return &DebugLog{size: size}
}

func (d *DebugLog) Append(e protocol.LogEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
	if over := len(d.entries) - d.size; over > 0 {
		d.entries = append(d.entries[:0:0], d.entries[over:]...)
	}
}

func (d *DebugLog) Reset() {
	d.mu.Lock()
	d.entries = nil
	d.mu.Unlock()
}

func (d *DebugLog) Snapshot() []protocol.LogEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.LogEntry{}, d.entries...)
}
