package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"claude-bridge/internal/protocol"
	"claude-bridge/internal/runtime"
)

// Events returns an iterating view over the session's shared event
// buffer and starts the stream pump on first access. Every iterator
// replays the buffer from the beginning; iteration never drains it.
func (s *Session) Events() (*Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusPending, StatusStarting:
		return nil, stateError(s.id, "read events", s.status)
	case StatusError:
		return nil, &StateError{SessionID: s.id, Op: "read events", Reason: "session is in error state"}
	case StatusDestroyed:
		return nil, stateError(s.id, "read events", StatusDestroyed)
	}

	if !s.pumping {
		if s.proc == nil {
			// Aborted or completed without ever starting.
			return nil, stateError(s.id, "read events", StatusPending)
		}
		s.pumping = true
		go s.pump(s.proc)
		go s.drainStderr(s.proc)
	}
	return &Iterator{s: s}, nil
}

// pump reads stdout chunks, parses them, and appends every message to
// the buffer in stream order. Exactly one pump runs per session.
func (s *Session) pump(proc runtime.Process) {
	r := proc.Stdout()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.append(s.parseChunk(buf[:n]))
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			s.append(s.flushParser())
			s.complete(nil)
		} else {
			s.complete(fmt.Errorf("session %s: stream: %w", s.id, err))
		}
		return
	}
}

func (s *Session) parseChunk(chunk []byte) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parser.Parse(chunk)
}

func (s *Session) flushParser() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parser.Flush()
}

// drainStderr keeps the stderr pipe from filling and surfaces agent
// diagnostics in the log.
func (s *Session) drainStderr(proc runtime.Process) {
	scanner := bufio.NewScanner(proc.Stderr())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Printf("session %s: agent stderr: %s", s.id, scanner.Text())
	}
}

// append adds messages to the shared buffer and dispatches each to the
// callbacks registered for its type and for the wildcard, in stream
// order.
func (s *Session) append(msgs []protocol.Message) {
	for _, msg := range msgs {
		s.mu.Lock()
		s.events = append(s.events, msg)

		if rm, ok := msg.(*protocol.ResultMessage); ok && s.cached == nil {
			s.cached = rm
			// Terminal states are never overwritten by a late result.
			if s.status == StatusActive {
				if rm.IsError {
					s.status = StatusError
				} else {
					s.status = StatusCompleted
				}
			}
			s.closeResultLocked()
		}

		targets := s.takeHandlersLocked(msg.MessageType())
		s.notifyLocked()
		s.mu.Unlock()

		for _, fn := range targets {
			fn(msg)
		}
	}
}

// complete marks the stream finished, recording err if the stdout read
// failed. The recorded error reaches every current and future iterator.
func (s *Session) complete(err error) {
	s.mu.Lock()
	s.done = true
	if err != nil {
		s.streamErr = err
	}
	s.closeResultLocked()
	s.notifyLocked()
	pipes := s.opts.Pipes
	s.mu.Unlock()

	if pipes != nil {
		// The process exited on its own; this is distinct from Kill.
		pipes.MarkDead(s.id)
	}
	if err != nil {
		log.Printf("%v", err)
	}
}

// takeHandlersLocked snapshots the callbacks for msgType plus wildcard
// subscribers, removing once-registrations. Callers hold mu.
func (s *Session) takeHandlersLocked(msgType string) []func(protocol.Message) {
	var fns []func(protocol.Message)
	for _, key := range []string{msgType, Wildcard} {
		kept := s.handlers[key][:0]
		for _, h := range s.handlers[key] {
			fns = append(fns, h.fn)
			if !h.once {
				kept = append(kept, h)
			}
		}
		s.handlers[key] = kept
	}
	return fns
}

// On registers fn for every future message of msgType (or Wildcard).
// Registration does not replay already-buffered events. The returned
// closure unregisters without disturbing other registrations.
func (s *Session) On(msgType string, fn func(protocol.Message)) func() {
	return s.register(msgType, fn, false)
}

// Once registers fn for the next message of msgType only.
func (s *Session) Once(msgType string, fn func(protocol.Message)) func() {
	return s.register(msgType, fn, true)
}

func (s *Session) register(msgType string, fn func(protocol.Message), once bool) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextHandler++
	h := &handler{id: s.nextHandler, fn: fn, once: once}
	s.handlers[msgType] = append(s.handlers[msgType], h)

	id := h.id
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.handlers[msgType]
		for i, reg := range list {
			if reg.id == id {
				s.handlers[msgType] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// WaitForResult resolves to the first result message of the stream. The
// cached result returns immediately on repeat calls; concurrent callers
// share one wait. timeout of 0 waits indefinitely.
func (s *Session) WaitForResult(ctx context.Context, timeout time.Duration) (*protocol.ResultMessage, error) {
	s.mu.Lock()
	if s.cached != nil {
		rm := s.cached
		s.mu.Unlock()
		return rm, nil
	}
	s.mu.Unlock()

	// Ensure the pump is running; state errors surface here.
	if _, err := s.Events(); err != nil {
		return nil, err
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-s.resultCh:
	case <-deadline:
		return nil, fmt.Errorf("session %s: %w after %s", s.id, ErrResultTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached, nil
	}
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	return nil, fmt.Errorf("session %s: %w", s.id, ErrNoResult)
}

// Query is the one-shot combinator: start if pending, send the prompt,
// await the result. An already-active session is reused, never
// restarted.
func (s *Session) Query(ctx context.Context, prompt string, timeout time.Duration) (*protocol.ResultMessage, error) {
	if s.Status() == StatusPending {
		if err := s.Start(ctx); err != nil {
			return nil, err
		}
	}
	if err := s.Send(ctx, prompt); err != nil {
		return nil, err
	}
	return s.WaitForResult(ctx, timeout)
}

// Iterator is a cursor over the session's shared event buffer. Multiple
// iterators observe the identical ordered sequence.
type Iterator struct {
	s      *Session
	cursor int
}

// Next blocks until another event is buffered or the stream finishes.
// ok is false once the buffer is exhausted and the stream is complete; a
// stream error is then returned to every iterator that reaches the end.
func (it *Iterator) Next(ctx context.Context) (msg protocol.Message, ok bool, err error) {
	for {
		it.s.mu.Lock()
		if it.cursor < len(it.s.events) {
			msg = it.s.events[it.cursor]
			it.cursor++
			it.s.mu.Unlock()
			return msg, true, nil
		}
		if it.s.done {
			streamErr := it.s.streamErr
			it.s.mu.Unlock()
			return nil, false, streamErr
		}
		wake := it.s.wake
		it.s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Collect drains the iterator until the stream completes.
func (it *Iterator) Collect(ctx context.Context) ([]protocol.Message, error) {
	var out []protocol.Message
	for {
		msg, ok, err := it.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, msg)
	}
}
