package host

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"claude-bridge/internal/batch"
	"claude-bridge/internal/procman"
	"claude-bridge/internal/protocol"
	"claude-bridge/internal/reconnect"
	"claude-bridge/internal/runtime"
	"claude-bridge/internal/session"
)

const defaultMaxSessions = 10

// Config configures a Host.
type Config struct {
	// MaxSessions caps concurrently live sessions. Defaults to 10.
	MaxSessions int

	// AgentBin is the agent command. Defaults to the session default.
	AgentBin string

	// AgentArgs are appended to every agent invocation.
	AgentArgs []string

	// BatchWindow is the snapshot persistence debounce window.
	BatchWindow time.Duration

	// Retry shapes the backoff used when snapshot persistence fails.
	Retry reconnect.Config
}

// Info is the externally visible description of a session.
type Info struct {
	ID        string         `json:"id"`
	WorkDir   string         `json:"workDir"`
	Label     string         `json:"label"`
	Status    session.Status `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Subscription callbacks. Each fires for every session the host owns.
type (
	TodoFunc    func(sessionID string, todos []protocol.TodoItem)
	PlanFunc    func(sessionID, source, content string)
	OutputFunc  func(sessionID, text string)
	ToolUseFunc func(sessionID, tool string, input map[string]any)
	ErrorFunc   func(sessionID string, err error)
	StateFunc   func(sessionID string, status session.Status)
)

// Host owns the session registry: it creates sessions, fans their
// extracted state out to subscribers, and persists a debounced snapshot
// of everything it knows.
type Host struct {
	rt    runtime.Runtime
	pipes *procman.Manager
	cfg   Config
	store SnapshotStore

	batcher *batch.Batcher[Snapshot]

	retryMu    sync.Mutex
	retry      *reconnect.Policy
	retryTimer *time.Timer

	mu       sync.RWMutex
	entries  map[string]*entry
	restored map[string]SessionSnapshot

	subMu     sync.RWMutex
	todoFns   []TodoFunc
	planFns   []PlanFunc
	outputFns []OutputFunc
	toolFns   []ToolUseFunc
	errorFns  []ErrorFunc
	stateFns  []StateFunc
}

type entry struct {
	sess *session.Session
	snap SessionSnapshot
}

// New creates a host. store may be nil, in which case snapshots are
// disabled.
func New(rt runtime.Runtime, pipes *procman.Manager, store SnapshotStore, cfg Config) *Host {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	h := &Host{
		rt:       rt,
		pipes:    pipes,
		cfg:      cfg,
		store:    store,
		retry:    reconnect.NewPolicy(cfg.Retry),
		entries:  make(map[string]*entry),
		restored: make(map[string]SessionSnapshot),
	}
	if store != nil {
		h.batcher = batch.New(store.Save, batch.Options{
			Window:  cfg.BatchWindow,
			OnError: h.onStoreError,
		})
	}
	return h
}

// Restore loads the persisted snapshot and keeps its sessions as
// historical entries visible through List. Missing snapshot files are
// not an error.
func (h *Host) Restore(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	snap, err := h.store.Load(ctx)
	if err != nil {
		log.Printf("host: no snapshot restored: %v", err)
		return nil
	}
	h.mu.Lock()
	for id, ss := range snap.Sessions {
		// Processes did not survive the restart.
		ss.Status = string(session.StatusDestroyed)
		h.restored[id] = ss
	}
	h.mu.Unlock()
	log.Printf("host: restored %d session snapshots", len(snap.Sessions))
	return nil
}

// Create registers and starts a new session in workDir.
func (h *Host) Create(ctx context.Context, workDir, label string) (Info, error) {
	h.mu.Lock()
	active := 0
	for _, e := range h.entries {
		switch e.sess.Status() {
		case session.StatusStarting, session.StatusActive:
			active++
		}
	}
	if active >= h.cfg.MaxSessions {
		h.mu.Unlock()
		return Info{}, fmt.Errorf("maximum session limit reached (%d)", h.cfg.MaxSessions)
	}

	id := uuid.New().String()
	sess := session.New(id, h.rt, session.Options{
		Command: h.cfg.AgentBin,
		Args:    h.cfg.AgentArgs,
		Dir:     workDir,
		Pipes:   h.pipes,
	})
	e := &entry{
		sess: sess,
		snap: SessionSnapshot{
			ID:        id,
			WorkDir:   workDir,
			Label:     label,
			Status:    string(session.StatusPending),
			CreatedAt: time.Now().UTC(),
		},
	}
	h.entries[id] = e
	h.mu.Unlock()

	// Callbacks are registered before Start so no message slips past them.
	sess.On(protocol.TypeAssistant, func(m protocol.Message) { h.onAssistant(id, m) })
	sess.On(protocol.TypeResult, func(m protocol.Message) { h.onResult(id, m) })

	if err := sess.Start(ctx); err != nil {
		h.setStatus(id, session.StatusError)
		h.emitError(id, err)
		return h.info(id), fmt.Errorf("start session %s: %w", id, err)
	}
	// Kick the stream pump so registered callbacks start firing.
	if _, err := sess.Events(); err != nil {
		log.Printf("host: session %s: start event pump: %v", id, err)
	}
	h.setStatus(id, sess.Status())
	return h.info(id), nil
}

// Get returns the session object itself, for event iteration.
func (h *Host) Get(id string) (*session.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// Describe returns the visible description of one session.
func (h *Host) Describe(id string) (Info, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if e, ok := h.entries[id]; ok {
		return infoOf(e), nil
	}
	if ss, ok := h.restored[id]; ok {
		return infoFromSnapshot(ss), nil
	}
	return Info{}, fmt.Errorf("session not found: %s", id)
}

// List returns live sessions followed by restored historical ones.
func (h *Host) List() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Info, 0, len(h.entries)+len(h.restored))
	for _, e := range h.entries {
		out = append(out, infoOf(e))
	}
	for id, ss := range h.restored {
		if _, live := h.entries[id]; !live {
			out = append(out, infoFromSnapshot(ss))
		}
	}
	return out
}

// Prompt sends a user prompt to a session.
func (h *Host) Prompt(ctx context.Context, id, text string) error {
	sess, ok := h.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	if err := sess.Send(ctx, text); err != nil {
		return err
	}
	h.queueSnapshot()
	return nil
}

// Interrupt delivers SIGINT to a session's process.
func (h *Host) Interrupt(ctx context.Context, id string) error {
	sess, ok := h.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	return sess.Interrupt(ctx)
}

// Wait blocks until the session's run produces a result.
func (h *Host) Wait(ctx context.Context, id string, timeout time.Duration) (*protocol.ResultMessage, error) {
	sess, ok := h.Get(id)
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return sess.WaitForResult(ctx, timeout)
}

// Kill destroys a session and its process.
func (h *Host) Kill(ctx context.Context, id string) error {
	sess, ok := h.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	sess.Destroy(ctx)
	h.setStatus(id, session.StatusDestroyed)
	h.emitState(id, session.StatusDestroyed)
	return nil
}

// Shutdown destroys every session and flushes the pending snapshot.
func (h *Host) Shutdown(ctx context.Context) {
	h.mu.RLock()
	sessions := make([]*session.Session, 0, len(h.entries))
	for _, e := range h.entries {
		sessions = append(sessions, e.sess)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.Destroy(ctx)
	}

	h.retryMu.Lock()
	if h.retryTimer != nil {
		h.retryTimer.Stop()
		h.retryTimer = nil
	}
	h.retryMu.Unlock()

	if h.batcher != nil {
		h.queueSnapshot()
		if err := h.batcher.Destroy(ctx); err != nil {
			log.Printf("host: final snapshot flush: %v", err)
		}
	}
}

// BatchMetrics reports snapshot coalescing counters.
func (h *Host) BatchMetrics() batch.Metrics {
	if h.batcher == nil {
		return batch.Metrics{}
	}
	return h.batcher.Metrics()
}

// Subscriptions.

func (h *Host) OnTodoUpdate(fn TodoFunc) {
	h.subMu.Lock()
	h.todoFns = append(h.todoFns, fn)
	h.subMu.Unlock()
}

func (h *Host) OnPlanUpdate(fn PlanFunc) {
	h.subMu.Lock()
	h.planFns = append(h.planFns, fn)
	h.subMu.Unlock()
}

func (h *Host) OnOutput(fn OutputFunc) {
	h.subMu.Lock()
	h.outputFns = append(h.outputFns, fn)
	h.subMu.Unlock()
}

func (h *Host) OnToolUse(fn ToolUseFunc) {
	h.subMu.Lock()
	h.toolFns = append(h.toolFns, fn)
	h.subMu.Unlock()
}

func (h *Host) OnError(fn ErrorFunc) {
	h.subMu.Lock()
	h.errorFns = append(h.errorFns, fn)
	h.subMu.Unlock()
}

func (h *Host) OnStateChange(fn StateFunc) {
	h.subMu.Lock()
	h.stateFns = append(h.stateFns, fn)
	h.subMu.Unlock()
}

// PublishPlan injects a plan update observed outside the stream, such as
// a plan file landing on disk.
func (h *Host) PublishPlan(sessionID, source, path, content string) {
	h.mu.Lock()
	if e, ok := h.entries[sessionID]; ok {
		e.snap.Plan = content
	}
	h.mu.Unlock()
	h.emitPlan(sessionID, source, content)
	h.queueSnapshot()
}

// Stream message handlers.

func (h *Host) onAssistant(id string, m protocol.Message) {
	am, ok := m.(*protocol.AssistantMessage)
	if !ok {
		return
	}
	msgs := []protocol.Message{m}

	for _, block := range am.Message.Content {
		switch block.Type {
		case protocol.ContentText:
			if block.Text != "" {
				h.emitOutput(id, block.Text)
			}
		case protocol.ContentToolUse:
			h.emitToolUse(id, block.Name, block.Input)
		}
	}

	if todos := protocol.ExtractTodoUpdates(msgs); len(todos) > 0 {
		last := todos[len(todos)-1]
		h.mu.Lock()
		if e, ok := h.entries[id]; ok {
			e.snap.Todos = last.Todos
		}
		h.mu.Unlock()
		for _, u := range todos {
			h.emitTodos(id, u.Todos)
		}
	}

	if plans := protocol.ExtractPlanUpdates(msgs); len(plans) > 0 {
		last := plans[len(plans)-1]
		h.mu.Lock()
		if e, ok := h.entries[id]; ok {
			e.snap.Plan = last.Plan
		}
		h.mu.Unlock()
		for _, p := range plans {
			h.emitPlan(id, p.Source, p.Plan)
		}
	}

	h.queueSnapshot()
}

func (h *Host) onResult(id string, m protocol.Message) {
	rm, ok := m.(*protocol.ResultMessage)
	if !ok {
		return
	}
	h.mu.Lock()
	if e, ok := h.entries[id]; ok {
		e.snap.NumTurns = rm.NumTurns
		e.snap.TotalCostUSD = rm.TotalCostUSD
		e.snap.LastResult = rm.Subtype
		e.snap.Status = string(e.sess.Status())
	}
	h.mu.Unlock()

	if rm.IsError {
		h.emitError(id, fmt.Errorf("run ended with %s", rm.Subtype))
		h.emitState(id, session.StatusError)
	} else {
		h.emitState(id, session.StatusCompleted)
	}
	h.queueSnapshot()
}

// Snapshot plumbing.

func (h *Host) queueSnapshot() {
	if h.batcher == nil {
		return
	}
	h.batcher.Write(h.buildSnapshot())
}

func (h *Host) buildSnapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snap := Snapshot{Sessions: make(map[string]SessionSnapshot, len(h.entries))}
	for id, e := range h.entries {
		ss := e.snap
		ss.Status = string(e.sess.Status())
		snap.Sessions[id] = ss
	}
	return snap
}

// onStoreError schedules a retry flush with exponential backoff. A
// successful flush resets the policy.
func (h *Host) onStoreError(err error) {
	log.Printf("host: snapshot store: %v", err)

	h.retryMu.Lock()
	defer h.retryMu.Unlock()
	if h.retryTimer != nil {
		return // a retry is already scheduled
	}
	if !h.retry.ShouldRetry() {
		log.Printf("host: snapshot retries exhausted after %d attempts", h.retry.Attempts())
		return
	}
	delay := h.retry.NextDelay()
	h.retry.RecordAttempt()
	h.retryTimer = time.AfterFunc(delay, func() {
		h.retryMu.Lock()
		h.retryTimer = nil
		h.retryMu.Unlock()

		if h.batcher == nil {
			return
		}
		h.batcher.Write(h.buildSnapshot())
		if err := h.batcher.Flush(context.Background()); err == nil {
			h.retryMu.Lock()
			h.retry.Reset()
			h.retryMu.Unlock()
		}
	})
}

// Helpers.

func (h *Host) setStatus(id string, st session.Status) {
	h.mu.Lock()
	if e, ok := h.entries[id]; ok {
		e.snap.Status = string(st)
	}
	h.mu.Unlock()
	h.queueSnapshot()
}

func (h *Host) info(id string) Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if e, ok := h.entries[id]; ok {
		return infoOf(e)
	}
	return Info{ID: id}
}

func infoOf(e *entry) Info {
	return Info{
		ID:        e.snap.ID,
		WorkDir:   e.snap.WorkDir,
		Label:     e.snap.Label,
		Status:    e.sess.Status(),
		CreatedAt: e.snap.CreatedAt,
	}
}

func infoFromSnapshot(ss SessionSnapshot) Info {
	return Info{
		ID:        ss.ID,
		WorkDir:   ss.WorkDir,
		Label:     ss.Label,
		Status:    session.Status(ss.Status),
		CreatedAt: ss.CreatedAt,
	}
}

func (h *Host) emitTodos(id string, todos []protocol.TodoItem) {
	h.subMu.RLock()
	fns := h.todoFns
	h.subMu.RUnlock()
	for _, fn := range fns {
		fn(id, todos)
	}
}

func (h *Host) emitPlan(id, source, content string) {
	h.subMu.RLock()
	fns := h.planFns
	h.subMu.RUnlock()
	for _, fn := range fns {
		fn(id, source, content)
	}
}

func (h *Host) emitOutput(id, text string) {
	h.subMu.RLock()
	fns := h.outputFns
	h.subMu.RUnlock()
	for _, fn := range fns {
		fn(id, text)
	}
}

func (h *Host) emitToolUse(id, tool string, input map[string]any) {
	h.subMu.RLock()
	fns := h.toolFns
	h.subMu.RUnlock()
	for _, fn := range fns {
		fn(id, tool, input)
	}
}

func (h *Host) emitError(id string, err error) {
	h.subMu.RLock()
	fns := h.errorFns
	h.subMu.RUnlock()
	for _, fn := range fns {
		fn(id, err)
	}
}

func (h *Host) emitState(id string, st session.Status) {
	h.subMu.RLock()
	fns := h.stateFns
	h.subMu.RUnlock()
	for _, fn := range fns {
		fn(id, st)
	}
}
