package observability

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// HistoryEntry is one recorded run in a history journal.
type HistoryEntry struct {
	Seq        uint64          `json:"seq"`
	Label      string          `json:"label"`
	Report     ExecutionReport `json:"report"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// History is an append-only journal of execution reports, used to keep
// benchmark results across invocations. Entries are framed as
// [length:4][crc32:4][payload] in little endian and fsynced on append, so a
// crash can truncate at most the entry being written. Replay stops at the
// first frame that fails its checksum.
type History struct {
	mu   sync.Mutex
	path string
	file *os.File
	seq  uint64
}

// OpenHistory opens the journal at path, creating it (and its directory) if
// needed. A torn tail from an interrupted append is cut off so new entries
// stay replayable.
func OpenHistory(path string) (*History, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("observability: failed to create history directory: %w", err)
		}
	}

	entries, valid, err := replayHistory(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	var seq uint64
	if n := len(entries); n > 0 {
		seq = entries[n-1].Seq
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("observability: failed to open history: %w", err)
	}
	if err := file.Truncate(valid); err != nil {
		file.Close()
		return nil, fmt.Errorf("observability: failed to trim torn history tail: %w", err)
	}
	if _, err := file.Seek(valid, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("observability: failed to seek history: %w", err)
	}

	return &History{path: path, file: file, seq: seq}, nil
}

// Append records a report under a label and returns its sequence number.
func (h *History) Append(label string, report ExecutionReport) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	entry := HistoryEntry{
		Seq:        h.seq,
		Label:      label,
		Report:     report,
		RecordedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("observability: failed to serialize history entry: %w", err)
	}

	if err := binary.Write(h.file, binary.LittleEndian, uint32(len(payload))); err != nil {
		return 0, fmt.Errorf("observability: failed to write entry length: %w", err)
	}
	if err := binary.Write(h.file, binary.LittleEndian, crc32.ChecksumIEEE(payload)); err != nil {
		return 0, fmt.Errorf("observability: failed to write entry checksum: %w", err)
	}
	if _, err := h.file.Write(payload); err != nil {
		return 0, fmt.Errorf("observability: failed to write entry payload: %w", err)
	}
	if err := h.file.Sync(); err != nil {
		return 0, fmt.Errorf("observability: failed to sync history: %w", err)
	}

	return h.seq, nil
}

// Path returns the journal path.
func (h *History) Path() string {
	return h.path
}

// Close closes the journal file.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

// ReadHistory replays a journal file. A truncated or corrupt tail ends the
// replay without an error; everything before it is returned. A missing file
// reports an os.IsNotExist error.
func ReadHistory(path string) ([]HistoryEntry, error) {
	entries, _, err := replayHistory(path)
	return entries, err
}

// replayHistory returns the intact entries and the byte offset where the
// last intact frame ends.
func replayHistory(path string) ([]HistoryEntry, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	var entries []HistoryEntry
	var valid int64
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			break
		}
		var sum uint32
		if err := binary.Read(file, binary.LittleEndian, &sum); err != nil {
			break
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != sum {
			break
		}
		var entry HistoryEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			break
		}
		entries = append(entries, entry)
		valid += 8 + int64(length)
	}
	return entries, valid, nil
}
