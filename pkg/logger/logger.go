package logger

import (
	"fmt"
	"io"
	"sync"
)

// SyncLogger receives one event per successful store, move or delete
// performed on the destination repository.
type SyncLogger interface {
	OnFileStored(path string)
	OnFileMoved(from, to string)
	OnFileDeleted(path string)
}

// TranscriptLogger writes a human readable line per event.
type TranscriptLogger struct {
	mu  sync.Mutex
	out io.Writer
}

func NewTranscriptLogger(out io.Writer) *TranscriptLogger {
	return &TranscriptLogger{out: out}
}

func (l *TranscriptLogger) OnFileStored(path string) {
	l.printf("file stored: %s\n", path)
}

func (l *TranscriptLogger) OnFileMoved(from, to string) {
	l.printf("file moved: %s -> %s\n", from, to)
}

func (l *TranscriptLogger) OnFileDeleted(path string) {
	l.printf("file deleted: %s\n", path)
}

func (l *TranscriptLogger) printf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, format, args...)
}

type NullLogger struct{}

func (NullLogger) OnFileStored(path string)    {}
func (NullLogger) OnFileMoved(from, to string) {}
func (NullLogger) OnFileDeleted(path string)   {}

// Multi fans events out to several loggers in order.
type Multi []SyncLogger

func (m Multi) OnFileStored(path string) {
	for _, l := range m {
		l.OnFileStored(path)
	}
}

func (m Multi) OnFileMoved(from, to string) {
	for _, l := range m {
		l.OnFileMoved(from, to)
	}
}

func (m Multi) OnFileDeleted(path string) {
	for _, l := range m {
		l.OnFileDeleted(path)
	}
}

type EventKind string

const (
	EventStored  EventKind = "stored"
	EventMoved   EventKind = "moved"
	EventDeleted EventKind = "deleted"
)

// Event is a recorded SyncLogger call.
type Event struct {
	Kind EventKind `json:"kind"`
	Path string    `json:"path"`
	From string    `json:"from,omitempty"`
}

func (e Event) String() string {
	switch e.Kind {
	case EventMoved:
		return fmt.Sprintf("file moved: %s -> %s", e.From, e.Path)
	case EventDeleted:
		return fmt.Sprintf("file deleted: %s", e.Path)
	default:
		return fmt.Sprintf("file stored: %s", e.Path)
	}
}

// Recorder keeps every event in memory, for result files and tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) OnFileStored(path string) {
	r.add(Event{Kind: EventStored, Path: path})
}

func (r *Recorder) OnFileMoved(from, to string) {
	r.add(Event{Kind: EventMoved, Path: to, From: from})
}

func (r *Recorder) OnFileDeleted(path string) {
	r.add(Event{Kind: EventDeleted, Path: path})
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Lines returns the transcript form of the recorded events.
func (r *Recorder) Lines() []string {
	events := r.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.String()
	}
	return out
}
