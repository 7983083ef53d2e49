package testutils

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// FakeTerminal is an in-memory key source and output sink.
type FakeTerminal struct {
	keys      chan byte
	inputDone atomic.Bool

	mu  sync.Mutex
	out bytes.Buffer
}

// NewFakeTerminal creates a terminal with room for 256 typed keys.
func NewFakeTerminal() *FakeTerminal {
	return &FakeTerminal{keys: make(chan byte, 256)}
}

// Type queues s as key presses.
func (t *FakeTerminal) Type(s string) {
	for i := 0; i < len(s); i++ {
		t.keys <- s[i]
	}
}

// CloseInput makes PollKey report io.EOF once the typed keys are consumed,
// like a piped stdin reaching its end.
func (t *FakeTerminal) CloseInput() {
	t.inputDone.Store(true)
}

func (t *FakeTerminal) PollKey(timeout time.Duration) (byte, bool, error) {
	select {
	case k := <-t.keys:
		return k, true, nil
	default:
	}
	if t.inputDone.Load() {
		return 0, false, io.EOF
	}
	select {
	case k := <-t.keys:
		return k, true, nil
	case <-time.After(timeout):
		return 0, false, nil
	}
}

func (t *FakeTerminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.Write(p)
}

// Output returns everything written so far.
func (t *FakeTerminal) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.String()
}
