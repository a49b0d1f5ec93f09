// File: internal/voice/recognizer.go
package voice

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// Recognition is one text event from the speech engine. Partial results
// carry Final=false; command capture produces exactly one final result or
// an error.
type Recognition struct {
	Text  string
	Final bool
	Err   error
}

// Handler consumes recognition events. Handlers must not block.
type Handler func(Recognition)

// Recognizer abstracts the acoustic engine. It is a singleton resource: at
// most one of continuous (wake word) or single-shot (command) listening is
// active at any instant, and the arbiter enforces that by calling Stop
// before switching modes.
type Recognizer interface {
	// StartContinuous begins open-ended listening; events are delivered
	// to fn until Stop. Transient engine errors are retried internally
	// and not surfaced.
	StartContinuous(fn Handler) error

	// StartSingleShot begins one command capture. fn receives exactly
	// one final result or one error event.
	StartSingleShot(fn Handler) error

	// Stop cancels whichever listening mode is active.
	Stop()
}

// WakeLock keeps the device listening while voice control is enabled.
type WakeLock interface {
	Acquire() error
	Release()
}

// NopWakeLock satisfies WakeLock where no platform lock is needed.
type NopWakeLock struct{}

func (NopWakeLock) Acquire() error { return nil }
func (NopWakeLock) Release()       {}

// Feedback signals wake-word activation to the user. Implementations are
// best effort; failures are swallowed.
type Feedback interface {
	Activated(ctx context.Context)
}

// NopFeedback is silent feedback.
type NopFeedback struct{}

func (NopFeedback) Activated(context.Context) {}

// StdinRecognizer adapts a line-oriented reader into a Recognizer, so the
// voice pipeline can be driven from a terminal: each line is delivered as
// one final recognition. Useful for local runs without a speech engine.
type StdinRecognizer struct {
	r io.Reader

	mu      sync.Mutex
	handler Handler
	started bool
}

var _ Recognizer = (*StdinRecognizer)(nil)

// NewStdinRecognizer wraps the reader. The read loop starts on the first
// Start call and runs until the reader is exhausted.
func NewStdinRecognizer(r io.Reader) *StdinRecognizer {
	return &StdinRecognizer{r: r}
}

func (s *StdinRecognizer) start(fn Handler) error {
	s.mu.Lock()
	s.handler = fn
	needLoop := !s.started
	s.started = true
	s.mu.Unlock()

	if needLoop {
		go s.readLoop()
	}
	return nil
}

// StartContinuous implements Recognizer.
func (s *StdinRecognizer) StartContinuous(fn Handler) error { return s.start(fn) }

// StartSingleShot implements Recognizer.
func (s *StdinRecognizer) StartSingleShot(fn Handler) error { return s.start(fn) }

// Stop implements Recognizer. The read loop keeps running; events are
// simply dropped while no handler is installed.
func (s *StdinRecognizer) Stop() {
	s.mu.Lock()
	s.handler = nil
	s.mu.Unlock()
}

func (s *StdinRecognizer) readLoop() {
	scanner := bufio.NewScanner(s.r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.mu.Lock()
		fn := s.handler
		s.mu.Unlock()
		if fn != nil {
			fn(Recognition{Text: line, Final: true})
		}
	}
}
