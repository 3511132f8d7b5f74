// Package runtime defines the narrow process-execution capability the
// session engine runs against. Backends range from local OS processes to
// sandboxed containers that only expose exec and file primitives; the
// engine never branches on which backend it is in, it only probes the
// optional capability interfaces below.
package runtime

import (
	"context"
	"io"
	"time"
)

// ExecOptions configures a one-shot command.
type ExecOptions struct {
	Timeout time.Duration
	Env     map[string]string
}

// ExecResult is the outcome of a one-shot command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// StartOptions configures a long-lived background process.
type StartOptions struct {
	Dir string
	Env map[string]string
}

// Runtime is the capability every execution backend must provide.
type Runtime interface {
	// Exec runs a shell command to completion.
	Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error)

	// StartProcess starts a long-lived background process.
	StartProcess(ctx context.Context, command string, opts StartOptions) (Process, error)

	// ReadFile returns the contents of a file inside the backend.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile replaces the contents of a file inside the backend.
	WriteFile(ctx context.Context, path string, content []byte) error
}

// Process is a running background process. Stdout and Stderr are each
// readable by one reader. Exited yields the exit code once and is then
// closed.
type Process interface {
	ID() string
	Stdout() io.Reader
	Stderr() io.Reader
	Exited() <-chan int
}

// Optional capabilities. Callers type-assert against the live Process or
// Runtime; absence selects a fallback strategy (see procman).

// Writer is a process whose stdin can be written directly.
type Writer interface {
	Write(data []byte) error
}

// Signaler is a process that accepts POSIX signal names ("INT", "TERM").
type Signaler interface {
	Signal(sig string) error
}

// Killer is a process that can be force-terminated.
type Killer interface {
	Kill() error
}

// LogStreamer is a runtime that can re-attach to a process's output.
type LogStreamer interface {
	StreamProcessLogs(ctx context.Context, processID string) (io.ReadCloser, error)
}

// EnvSetter is a runtime with mutable ambient environment.
type EnvSetter interface {
	SetEnvVars(vars map[string]string) error
}
