// Package session turns an agent process's NDJSON stdout into a
// replayable, strongly typed event sequence. One Session owns one
// process; its event buffer is append-only and shared by every consumer,
// so late iterators replay the full history instead of receiving a tail.
package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"claude-bridge/internal/procman"
	"claude-bridge/internal/protocol"
	"claude-bridge/internal/runtime"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarting  Status = "starting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusAborted   Status = "aborted"
	StatusDestroyed Status = "destroyed"
)

const defaultCommand = "claude"

// Wildcard subscribes a callback to every message type.
const Wildcard = "*"

// Options configures a session.
type Options struct {
	// Command is the agent binary. Defaults to "claude".
	Command string

	// Args are appended to the command line verbatim.
	Args []string

	// Dir is the working directory for the agent process.
	Dir string

	// Env is merged into the process environment.
	Env map[string]string

	// Pipes, when set, selects FIFO stdin emulation: the process is
	// spawned through the manager and stdin writes, signals, and
	// teardown all route through it.
	Pipes *procman.Manager
}

// Session is the state machine driving one agent process.
type Session struct {
	id   string
	rt   runtime.Runtime
	opts Options

	mu           sync.Mutex
	status       Status
	proc         runtime.Process
	viaPipes     bool
	parser       *protocol.StreamParser
	events       []protocol.Message
	done         bool
	streamErr    error
	cached       *protocol.ResultMessage
	wake         chan struct{}
	resultCh     chan struct{}
	resultClosed bool
	pumping      bool
	handlers     map[string][]*handler
	nextHandler  int
}

type handler struct {
	id   int
	fn   func(protocol.Message)
	once bool
}

// New creates a session in the pending state. rt is borrowed, not owned.
func New(id string, rt runtime.Runtime, opts Options) *Session {
	if opts.Command == "" {
		opts.Command = defaultCommand
	}
	s := &Session{
		id:       id,
		rt:       rt,
		opts:     opts,
		status:   StatusPending,
		wake:     make(chan struct{}),
		resultCh: make(chan struct{}),
		handlers: make(map[string][]*handler),
	}
	s.parser = protocol.NewStreamParser(func(reason string) {
		log.Printf("session %s: parser: %s", id, reason)
	})
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start spawns the agent process. Legal only from pending.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusPending:
	case StatusStarting:
		s.mu.Unlock()
		return &StateError{SessionID: s.id, Op: "start", Reason: "session already starting"}
	case StatusActive:
		s.mu.Unlock()
		return &StateError{SessionID: s.id, Op: "start", Reason: "session already started"}
	default:
		st := s.status
		s.mu.Unlock()
		return &StateError{SessionID: s.id, Op: "start", Reason: fmt.Sprintf("cannot start from %s state", st)}
	}
	s.status = StatusStarting
	s.mu.Unlock()

	proc, err := s.spawn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.status = StatusError
		s.streamErr = err
		return fmt.Errorf("session %s: start: %w", s.id, err)
	}
	if s.status == StatusDestroyed {
		// Destroyed while spawning; tear the orphan down.
		if k, ok := proc.(runtime.Killer); ok {
			k.Kill()
		}
		return &StateError{SessionID: s.id, Op: "start", Reason: "session destroyed"}
	}
	s.proc = proc
	s.viaPipes = s.opts.Pipes != nil
	s.status = StatusActive
	return nil
}

func (s *Session) spawn(ctx context.Context) (runtime.Process, error) {
	if s.opts.Pipes != nil {
		mp, err := s.opts.Pipes.SpawnInteractive(ctx, procman.SpawnOptions{
			SessionID: s.id,
			Dir:       s.opts.Dir,
			Args:      s.opts.Args,
			Env:       s.opts.Env,
		})
		if err != nil {
			return nil, err
		}
		return mp.Process(), nil
	}
	return s.rt.StartProcess(ctx, s.buildCommand(), runtime.StartOptions{
		Dir: s.opts.Dir,
		Env: s.opts.Env,
	})
}

func (s *Session) buildCommand() string {
	if len(s.opts.Args) == 0 {
		return s.opts.Command
	}
	return s.opts.Command + " " + strings.Join(s.opts.Args, " ")
}

// Send writes one user message to the agent's stdin. Legal only while
// active. Pipe-spawned sessions always write through the manager's FIFO:
// the process handle belongs to the shell pipeline wrapper, whose own
// stdin nothing in the pipeline reads. Directly spawned processes take
// their stdin write capability.
func (s *Session) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.status != StatusActive {
		st := s.status
		s.mu.Unlock()
		return stateError(s.id, "send", st)
	}
	proc := s.proc
	viaPipes := s.viaPipes
	s.mu.Unlock()

	line := protocol.UserLine(text)
	if viaPipes {
		return s.opts.Pipes.Write(ctx, s.id, string(line))
	}
	if w, ok := proc.(runtime.Writer); ok {
		if err := w.Write(line); err != nil {
			return fmt.Errorf("session %s: send: %w", s.id, err)
		}
		return nil
	}
	return fmt.Errorf("session %s: send: %w", s.id, ErrUnsupportedOperation)
}

// Interrupt delivers SIGINT to the agent. Pipe-spawned sessions signal
// through the manager; directly spawned processes need a signal
// capability. It never kills the process and never changes session
// status.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return nil
	}
	proc := s.proc
	viaPipes := s.viaPipes
	s.mu.Unlock()

	if viaPipes {
		return s.opts.Pipes.Signal(ctx, s.id, "INT")
	}
	if sig, ok := proc.(runtime.Signaler); ok {
		return sig.Signal("INT")
	}
	return nil
}

// Abort terminates pending turn processing at the session level. Process
// teardown stays the caller's responsibility through Destroy. Destroyed
// is absorbing.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDestroyed {
		return
	}
	s.status = StatusAborted
}

// Destroy kills the process if one exists, clears all callback
// registrations, and moves to destroyed. Idempotent; cleanup never
// returns an error.
func (s *Session) Destroy(ctx context.Context) {
	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		return
	}
	proc := s.proc
	viaPipes := s.viaPipes
	s.proc = nil
	s.handlers = make(map[string][]*handler)
	s.status = StatusDestroyed
	pumping := s.pumping
	if !pumping {
		// No pump will ever signal completion; release waiters here.
		s.done = true
		s.closeResultLocked()
	}
	s.notifyLocked()
	s.mu.Unlock()

	if proc == nil {
		return
	}
	if viaPipes {
		// The manager owns the pipe and the registry entry; only its
		// kill path cleans both up.
		if err := s.opts.Pipes.Kill(ctx, s.id); err != nil {
			log.Printf("session %s: destroy: %v", s.id, err)
		}
		return
	}
	if k, ok := proc.(runtime.Killer); ok {
		if err := k.Kill(); err != nil {
			log.Printf("session %s: destroy: kill: %v", s.id, err)
		}
	}
}

// notifyLocked wakes every blocked iterator and waiter. Callers hold mu.
func (s *Session) notifyLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Session) closeResultLocked() {
	if !s.resultClosed {
		close(s.resultCh)
		s.resultClosed = true
	}
}
