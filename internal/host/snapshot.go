package host

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"claude-bridge/internal/protocol"
	"claude-bridge/internal/runtime"
)

// SessionSnapshot is the persisted view of one session: identity, last
// known status, and the latest extracted todos/plan/result.
type SessionSnapshot struct {
	ID           string              `json:"id"`
	WorkDir      string              `json:"workDir"`
	Label        string              `json:"label"`
	Status       string              `json:"status"`
	CreatedAt    time.Time           `json:"createdAt"`
	Todos        []protocol.TodoItem `json:"todos,omitempty"`
	Plan         string              `json:"plan,omitempty"`
	NumTurns     int                 `json:"numTurns,omitempty"`
	TotalCostUSD float64             `json:"totalCostUsd,omitempty"`
	LastResult   string              `json:"lastResult,omitempty"`
}

// Snapshot is the host-wide persisted state.
type Snapshot struct {
	SavedAt  time.Time                  `json:"savedAt"`
	Sessions map[string]SessionSnapshot `json:"sessions"`
}

// SnapshotStore persists host snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
}

// RuntimeStore keeps the snapshot as a JSON file accessed through a
// Runtime, so the file lives wherever the agent processes live. A
// single-slot semaphore serializes the read-modify-write cycle; without
// it two concurrent saves could interleave their read and write halves
// and drop sessions.
type RuntimeStore struct {
	rt   runtime.Runtime
	path string
	sem  chan struct{}
}

// NewRuntimeStore creates a store writing to path via rt.
func NewRuntimeStore(rt runtime.Runtime, path string) *RuntimeStore {
	return &RuntimeStore{
		rt:   rt,
		path: path,
		sem:  make(chan struct{}, 1),
	}
}

// Save merges snap into the stored snapshot. Sessions present on disk
// but absent from snap are kept; snap wins per session id.
func (s *RuntimeStore) Save(ctx context.Context, snap Snapshot) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	merged, err := s.load(ctx)
	if err != nil {
		// A missing or corrupt file is replaced wholesale.
		merged = Snapshot{Sessions: make(map[string]SessionSnapshot)}
	}
	for id, ss := range snap.Sessions {
		merged.Sessions[id] = ss
	}
	merged.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.rt.WriteFile(ctx, s.path, data); err != nil {
		return fmt.Errorf("write snapshot %s: %w", s.path, err)
	}
	return nil
}

// Load reads the stored snapshot.
func (s *RuntimeStore) Load(ctx context.Context) (Snapshot, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	defer func() { <-s.sem }()
	return s.load(ctx)
}

func (s *RuntimeStore) load(ctx context.Context) (Snapshot, error) {
	data, err := s.rt.ReadFile(ctx, s.path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot %s: %w", s.path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", s.path, err)
	}
	if snap.Sessions == nil {
		snap.Sessions = make(map[string]SessionSnapshot)
	}
	return snap, nil
}
