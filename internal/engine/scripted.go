package engine

import (
	"context"
	"io"
	"sync"
)

// ScriptFunc drives one scripted run: emit events through the stream and
// call req.Authorize to exercise the blocking authorization path.
type ScriptFunc func(ctx context.Context, req RunRequest, s *ScriptStream) error

// Scripted is a deterministic in-memory engine for tests. Each Run executes
// the script in its own goroutine; Next observes the emitted events in
// order and the script's return terminates the stream.
type Scripted struct {
	fn ScriptFunc

	mu            sync.Mutex
	setModelCalls []string
	setModelErr   error
}

// NewScripted creates a scripted engine.
func NewScripted(fn ScriptFunc) *Scripted {
	return &Scripted{fn: fn}
}

// FailSetModel makes subsequent SetModel calls return err.
func (e *Scripted) FailSetModel(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setModelErr = err
}

// SetModelCalls returns the models requested via SetModel, in order.
func (e *Scripted) SetModelCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.setModelCalls...)
}

// Run starts the script.
func (e *Scripted) Run(ctx context.Context, req RunRequest) (Stream, error) {
	s := &ScriptStream{
		engine: e,
		events: make(chan Event),
		done:   make(chan error, 1),
	}
	go func() {
		err := e.fn(ctx, req, s)
		if err == nil {
			err = io.EOF
		}
		s.done <- err
	}()
	return s, nil
}

// ScriptStream is the stream side of a scripted run.
type ScriptStream struct {
	engine *Scripted
	events chan Event
	done   chan error
}

// Emit delivers one event to the consumer, blocking until it is read.
func (s *ScriptStream) Emit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ScriptStream) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.done:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ScriptStream) SetModel(ctx context.Context, model string) error {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if s.engine.setModelErr != nil {
		return s.engine.setModelErr
	}
	s.engine.setModelCalls = append(s.engine.setModelCalls, model)
	return nil
}

func (s *ScriptStream) Close() error { return nil }
