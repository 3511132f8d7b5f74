package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// LocalRuntime executes commands as local OS processes through a shell.
// It is the richest backend: its processes expose direct stdin writes,
// signals, and kill, so the FIFO emulation in procman is never needed.
type LocalRuntime struct{}

// NewLocalRuntime creates a local OS-process runtime.
func NewLocalRuntime() *LocalRuntime {
	return &LocalRuntime{}
}

// Exec runs a shell command to completion and captures its output.
func (r *LocalRuntime) Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = mergedEnv(opts.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{
		ExitCode: exitCodeOf(err),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// Non-zero exit is a result, not a transport failure.
			return result, nil
		}
		return result, fmt.Errorf("exec %q: %w", command, err)
	}
	return result, nil
}

// StartProcess starts a long-lived shell command with a writable stdin
// pipe and captured output streams.
func (r *LocalRuntime) StartProcess(ctx context.Context, command string, opts StartOptions) (Process, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = opts.Dir
	cmd.Env = mergedEnv(opts.Env)
	// Own process group so signals reach every member of a shell
	// pipeline, not just the sh wrapper.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	cmd.Stdin = stdinR

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdinW.Close()
		stdinR.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdinW.Close()
		stdinR.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdinW.Close()
		stdinR.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	// The child holds the read end now.
	stdinR.Close()

	p := &localProcess{
		id:     uuid.New().String(),
		cmd:    cmd,
		stdin:  &stdinWriter{writer: stdinW},
		stdout: stdoutPipe,
		stderr: stderrPipe,
		exited: make(chan int, 1),
	}
	go p.wait()
	return p, nil
}

// ReadFile returns the contents of a local file.
func (r *LocalRuntime) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile replaces the contents of a local file.
func (r *LocalRuntime) WriteFile(ctx context.Context, path string, content []byte) error {
	return os.WriteFile(path, content, 0o644)
}

func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil // inherit
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// exitCodeOf resolves the real exit status. A signal-killed process
// surfaces 128+signal rather than being collapsed to 0 or -1.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return -1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}

type localProcess struct {
	id     string
	cmd    *exec.Cmd
	stdin  *stdinWriter
	stdout io.Reader
	stderr io.Reader
	exited chan int
}

// stdinWriter guards the stdin pipe against writes after close.
type stdinWriter struct {
	mu     sync.Mutex
	writer *os.File
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

func (p *localProcess) wait() {
	err := p.cmd.Wait()
	p.stdin.Close()
	p.exited <- exitCodeOf(err)
	close(p.exited)
}

func (p *localProcess) ID() string { return p.id }

func (p *localProcess) Stdout() io.Reader { return p.stdout }

func (p *localProcess) Stderr() io.Reader { return p.stderr }

func (p *localProcess) Exited() <-chan int { return p.exited }

// Write sends data to the process's real stdin.
func (p *localProcess) Write(data []byte) error {
	return p.stdin.Write(data)
}

// Signal delivers a POSIX signal by name to the process group.
func (p *localProcess) Signal(sig string) error {
	s, ok := signalByName(sig)
	if !ok {
		return fmt.Errorf("unknown signal %q", sig)
	}
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, s); err == nil {
		return nil
	}
	return p.cmd.Process.Signal(s)
}

// Kill force-terminates the process group.
func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func signalByName(sig string) (syscall.Signal, bool) {
	switch sig {
	case "INT", "SIGINT":
		return syscall.SIGINT, true
	case "TERM", "SIGTERM":
		return syscall.SIGTERM, true
	case "HUP", "SIGHUP":
		return syscall.SIGHUP, true
	case "KILL", "SIGKILL":
		return syscall.SIGKILL, true
	case "USR1", "SIGUSR1":
		return syscall.SIGUSR1, true
	case "USR2", "SIGUSR2":
		return syscall.SIGUSR2, true
	}
	return 0, false
}
