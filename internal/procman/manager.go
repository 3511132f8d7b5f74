// Package procman makes exec-only runtimes behave like interactive
// processes. Backends that cannot expose a raw stdin file descriptor
// still offer `exec`; the manager creates a named pipe, keeps the agent
// reading from it via `tail -f`, and appends frames to the pipe through
// the shell. Runtimes whose processes expose a direct stdin write never
// need this package; the session writes to the process itself.
package procman

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"claude-bridge/internal/protocol"
	"claude-bridge/internal/runtime"
)

// ErrProcessNotAlive is returned for writes and signals against an
// untracked or dead session.
var ErrProcessNotAlive = errors.New("process not alive")

const (
	defaultPipeDir    = "/tmp"
	defaultPipePrefix = "claude_bridge_in"
	defaultAgentBin   = "claude"
)

// ManagedProcess tracks one interactive agent process and its input pipe.
type ManagedProcess struct {
	ID             string
	SessionID      string
	InputPipePath  string
	Alive          bool
	StartedAt      time.Time
	LastActivityAt time.Time

	proc runtime.Process
}

// Process returns the underlying runtime process.
func (mp *ManagedProcess) Process() runtime.Process { return mp.proc }

// Options configures a Manager.
type Options struct {
	// AgentBinary is the agent CLI to run. Defaults to "claude".
	AgentBinary string

	// PipeDir is where input FIFOs are created. Defaults to /tmp.
	PipeDir string
}

// Manager owns at most one interactive process per session id.
type Manager struct {
	rt       runtime.Runtime
	agentBin string
	pipeDir  string

	mu    sync.Mutex
	procs map[string]*ManagedProcess
}

// New creates a process manager on top of rt.
func New(rt runtime.Runtime, opts Options) *Manager {
	if opts.AgentBinary == "" {
		opts.AgentBinary = defaultAgentBin
	}
	if opts.PipeDir == "" {
		opts.PipeDir = defaultPipeDir
	}
	return &Manager{
		rt:       rt,
		agentBin: opts.AgentBinary,
		pipeDir:  opts.PipeDir,
		procs:    make(map[string]*ManagedProcess),
	}
}

// SpawnOptions configures one interactive spawn.
type SpawnOptions struct {
	SessionID string
	Dir       string
	Args      []string
	Env       map[string]string
}

// SpawnInteractive creates the session's input FIFO and starts the agent
// with the pipe continuously tailed into its stdin.
func (m *Manager) SpawnInteractive(ctx context.Context, opts SpawnOptions) (*ManagedProcess, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("spawn: session id required")
	}

	pipe := path.Join(m.pipeDir, defaultPipePrefix+"_"+opts.SessionID)

	setup := fmt.Sprintf("rm -f %s && mkfifo %s", shellQuote(pipe), shellQuote(pipe))
	if res, err := m.rt.Exec(ctx, setup, runtime.ExecOptions{}); err != nil {
		return nil, fmt.Errorf("create input pipe: %w", err)
	} else if res.ExitCode != 0 {
		return nil, fmt.Errorf("create input pipe: mkfifo exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	cmd := fmt.Sprintf("tail -f %s | %s", shellQuote(pipe), m.agentBin)
	if len(opts.Args) > 0 {
		cmd += " " + strings.Join(opts.Args, " ")
	}

	proc, err := m.rt.StartProcess(ctx, cmd, runtime.StartOptions{Dir: opts.Dir, Env: opts.Env})
	if err != nil {
		// Best-effort pipe cleanup; the spawn error is what matters.
		m.rt.Exec(ctx, "rm -f "+shellQuote(pipe)+" || true", runtime.ExecOptions{})
		return nil, fmt.Errorf("spawn agent process: %w", err)
	}

	now := time.Now().UTC()
	mp := &ManagedProcess{
		ID:             proc.ID(),
		SessionID:      opts.SessionID,
		InputPipePath:  pipe,
		Alive:          true,
		StartedAt:      now,
		LastActivityAt: now,
		proc:           proc,
	}

	m.mu.Lock()
	m.procs[opts.SessionID] = mp
	m.mu.Unlock()

	return mp, nil
}

// Write appends one NDJSON frame to the session's input pipe. Plain text
// is wrapped as a user message first.
func (m *Manager) Write(ctx context.Context, sessionID, data string) error {
	m.mu.Lock()
	mp, ok := m.procs[sessionID]
	if !ok || !mp.Alive {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, ErrProcessNotAlive)
	}
	mp.LastActivityAt = time.Now().UTC()
	pipe := mp.InputPipePath
	m.mu.Unlock()

	line := data
	if !looksLikeJSONObject(line) {
		line = string(protocol.UserLine(data))
	}
	// printf re-adds the terminator; dash's echo builtin would rewrite
	// backslash escapes inside the frame.
	line = strings.TrimSuffix(line, "\n")

	cmd := fmt.Sprintf(`printf '%%s\n' %s >> %s`, shellQuote(line), shellQuote(pipe))
	res, err := m.rt.Exec(ctx, cmd, runtime.ExecOptions{})
	if err != nil {
		return fmt.Errorf("session %s: write to pipe: %w", sessionID, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("session %s: write to pipe exited %d", sessionID, res.ExitCode)
	}
	return nil
}

// Signal delivers a POSIX signal to the session's process. Kill-class
// signals mark the process dead; others leave it tracked.
func (m *Manager) Signal(ctx context.Context, sessionID, sig string) error {
	m.mu.Lock()
	mp, ok := m.procs[sessionID]
	if !ok || !mp.Alive {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, ErrProcessNotAlive)
	}
	mp.LastActivityAt = time.Now().UTC()
	if isKillSignal(sig) {
		mp.Alive = false
	}
	proc := mp.proc
	m.mu.Unlock()

	if s, ok := proc.(runtime.Signaler); ok {
		return s.Signal(sig)
	}
	// Fall back to the shell; `|| true` keeps a vanished pid non-fatal.
	cmd := fmt.Sprintf("kill -%s %s || true", sig, shellQuote(proc.ID()))
	if _, err := m.rt.Exec(ctx, cmd, runtime.ExecOptions{}); err != nil {
		return fmt.Errorf("session %s: signal %s: %w", sessionID, sig, err)
	}
	return nil
}

// Kill force-terminates the session's process and removes its pipe.
// Killing an unknown session is a no-op.
func (m *Manager) Kill(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	mp, ok := m.procs[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	mp.Alive = false
	delete(m.procs, sessionID)
	m.mu.Unlock()

	if k, ok := mp.proc.(runtime.Killer); ok {
		if err := k.Kill(); err != nil {
			log.Printf("session %s: kill: %v", sessionID, err)
		}
	} else {
		cmd := fmt.Sprintf("kill -9 %s || true", shellQuote(mp.proc.ID()))
		m.rt.Exec(ctx, cmd, runtime.ExecOptions{})
	}

	// Cleanup must never fail the caller.
	m.rt.Exec(ctx, "rm -f "+shellQuote(mp.InputPipePath)+" || true", runtime.ExecOptions{})
	return nil
}

// MarkDead records that the session's process exited on its own. The
// stream consumer calls this when stdout closes, independent of Kill.
func (m *Manager) MarkDead(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp, ok := m.procs[sessionID]; ok {
		mp.Alive = false
	}
}

// Get returns the managed process for a session, if tracked.
func (m *Manager) Get(sessionID string) (*ManagedProcess, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.procs[sessionID]
	return mp, ok
}

// List returns all tracked processes.
func (m *Manager) List() []*ManagedProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ManagedProcess, 0, len(m.procs))
	for _, mp := range m.procs {
		out = append(out, mp)
	}
	return out
}

func isKillSignal(sig string) bool {
	switch strings.TrimPrefix(sig, "SIG") {
	case "KILL", "TERM", "QUIT":
		return true
	}
	return false
}

func looksLikeJSONObject(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "{")
}

// shellQuote wraps s in single quotes, escaping embedded single quotes so
// arbitrary payloads survive the shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
