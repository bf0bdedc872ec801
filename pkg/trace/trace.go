// Package trace keeps append-only logs of the values a store committed.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vjranagit/historian/pkg/types"
)

// Operations recorded in entries.
const (
	OpUpdate = "update"
	OpDelete = "delete"
)

const flushInterval = time.Second

// Log writes one JSON entry per line
type Log struct {
	path       string
	store      string
	file       *os.File
	writer     *bufio.Writer
	mu         sync.Mutex
	flushTimer *time.Timer
	closed     bool
}

// Entry is one traced value
type Entry struct {
	Time  time.Time             `json:"time"`
	Store string                `json:"store"`
	Op    string                `json:"op"`
	Value *types.VersionedValue `json:"value"`
}

// Open creates a new trace file for store under dir.
func Open(dir, store string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}

	filename := filepath.Join(dir, fmt.Sprintf("%s-%d.trace", store, time.Now().UnixNano()))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	l := &Log{
		path:   filename,
		store:  store,
		file:   file,
		writer: bufio.NewWriter(file),
	}

	// Sync to disk every second
	l.flushTimer = time.AfterFunc(flushInterval, l.autoFlush)

	return l, nil
}

// Path returns the trace file name.
func (l *Log) Path() string {
	return l.path
}

// Add appends a committed value; deleted values are traced as deletes.
func (l *Log) Add(v *types.VersionedValue) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("trace log %s is closed", l.path)
	}

	op := OpUpdate
	if v.Deleted {
		op = OpDelete
	}
	data, err := json.Marshal(Entry{Time: time.Now().UTC(), Store: l.store, Op: op, Value: v})
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}

	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// Commit hands the buffered entries to the operating system.
func (l *Log) Commit() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace: %w", err)
	}
	return nil
}

// Flush writes the buffered entries and syncs the file.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if l.closed {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace: %w", err)
	}
	return nil
}

func (l *Log) autoFlush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	_ = l.flushLocked()
	l.flushTimer.Reset(flushInterval)
}

// Close flushes and closes the trace file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	if l.flushTimer != nil {
		l.flushTimer.Stop()
	}
	if err := l.flushLocked(); err != nil {
		l.closed = true
		l.file.Close()
		return err
	}
	l.closed = true
	return l.file.Close()
}

// Replay reads the trace files of dir in the order they were created.
func Replay(dir string, handler func(*Entry) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No traces yet
		}
		return fmt.Errorf("failed to read trace directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".trace") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		filename := filepath.Join(dir, name)
		if err := replayFile(filename, handler); err != nil {
			return fmt.Errorf("failed to replay %s: %w", filename, err)
		}
	}
	return nil
}

func replayFile(filename string, handler func(*Entry) error) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return fmt.Errorf("failed to unmarshal trace entry: %w", err)
		}
		if err := handler(&entry); err != nil {
			return fmt.Errorf("failed to replay entry: %w", err)
		}
	}

	return scanner.Err()
}
