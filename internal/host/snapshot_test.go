package host

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claude-bridge/internal/runtime"
)

// fileRuntime is a Runtime stub backed by an in-memory file map.
type fileRuntime struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFileRuntime() *fileRuntime {
	return &fileRuntime{files: make(map[string][]byte)}
}

func (f *fileRuntime) Exec(ctx context.Context, command string, opts runtime.ExecOptions) (runtime.ExecResult, error) {
	return runtime.ExecResult{}, nil
}

func (f *fileRuntime) StartProcess(ctx context.Context, command string, opts runtime.StartOptions) (runtime.Process, error) {
	return nil, fmt.Errorf("not supported")
}

func (f *fileRuntime) ReadFile(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (f *fileRuntime) WriteFile(ctx context.Context, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

func TestRuntimeStore_SaveThenLoad(t *testing.T) {
	rt := newFileRuntime()
	store := NewRuntimeStore(rt, "/state/snapshot.json")

	err := store.Save(context.Background(), Snapshot{Sessions: map[string]SessionSnapshot{
		"a": {ID: "a", Label: "first", Status: "active"},
	}})
	require.NoError(t, err)

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, snap.Sessions, "a")
	assert.Equal(t, "first", snap.Sessions["a"].Label)
	assert.False(t, snap.SavedAt.IsZero())
}

func TestRuntimeStore_MergePreservesOtherSessions(t *testing.T) {
	rt := newFileRuntime()
	store := NewRuntimeStore(rt, "/state/snapshot.json")
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Snapshot{Sessions: map[string]SessionSnapshot{
		"a": {ID: "a", Status: "completed"},
	}}))
	require.NoError(t, store.Save(ctx, Snapshot{Sessions: map[string]SessionSnapshot{
		"b": {ID: "b", Status: "active"},
	}}))

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, snap.Sessions, "a")
	assert.Contains(t, snap.Sessions, "b")
}

func TestRuntimeStore_SaveWinsPerSession(t *testing.T) {
	rt := newFileRuntime()
	store := NewRuntimeStore(rt, "/state/snapshot.json")
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Snapshot{Sessions: map[string]SessionSnapshot{
		"a": {ID: "a", Status: "active", NumTurns: 1},
	}}))
	require.NoError(t, store.Save(ctx, Snapshot{Sessions: map[string]SessionSnapshot{
		"a": {ID: "a", Status: "completed", NumTurns: 4},
	}}))

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "completed", snap.Sessions["a"].Status)
	assert.Equal(t, 4, snap.Sessions["a"].NumTurns)
}

func TestRuntimeStore_CorruptFileReplaced(t *testing.T) {
	rt := newFileRuntime()
	rt.files["/state/snapshot.json"] = []byte("{not json")
	store := NewRuntimeStore(rt, "/state/snapshot.json")

	err := store.Save(context.Background(), Snapshot{Sessions: map[string]SessionSnapshot{
		"a": {ID: "a"},
	}})
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rt.files["/state/snapshot.json"], &snap))
	assert.Contains(t, snap.Sessions, "a")
}

func TestRuntimeStore_ConcurrentSavesLoseNothing(t *testing.T) {
	rt := newFileRuntime()
	store := NewRuntimeStore(rt, "/state/snapshot.json")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			_ = store.Save(ctx, Snapshot{Sessions: map[string]SessionSnapshot{
				id: {ID: id},
			}})
		}(i)
	}
	wg.Wait()

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	// Every read-modify-write ran alone, so no save overwrote another.
	assert.Len(t, snap.Sessions, 8)
}

func TestRuntimeStore_LoadMissingFile(t *testing.T) {
	store := NewRuntimeStore(newFileRuntime(), "/nope.json")
	_, err := store.Load(context.Background())
	assert.Error(t, err)
}
