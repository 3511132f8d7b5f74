package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestCountFiles_EmptyDir(t *testing.T) {
	dir := t.TempDir()
	if count := CountFiles(dir); count != 0 {
		t.Errorf("expected 0 files, got %d", count)
	}
}

func TestCountFiles_WithFiles(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		os.WriteFile(filepath.Join(dir, "file"+string(rune('a'+i))+".txt"), []byte("test"), 0644)
	}

	if count := CountFiles(dir); count != 5 {
		t.Errorf("expected 5 files, got %d", count)
	}
}

func TestCountFiles_ExcludesNodeModulesAndGit(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.go"), []byte("test"), 0644)

	nmDir := filepath.Join(dir, "node_modules")
	os.MkdirAll(nmDir, 0755)
	os.WriteFile(filepath.Join(nmDir, "package.json"), []byte("test"), 0644)

	gitDir := filepath.Join(dir, ".git")
	os.MkdirAll(gitDir, 0755)
	os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref"), 0644)

	if count := CountFiles(dir); count != 1 {
		t.Errorf("expected 1 file (excluded dirs skipped), got %d", count)
	}
}

func TestCountFiles_IncludesClaudeDir(t *testing.T) {
	dir := t.TempDir()
	claudeDir := filepath.Join(dir, ".claude")
	os.MkdirAll(claudeDir, 0755)
	os.WriteFile(filepath.Join(claudeDir, "CLAUDE.md"), []byte("rules"), 0644)

	if count := CountFiles(dir); count != 1 {
		t.Errorf("expected .claude contents counted, got %d", count)
	}
}

func TestWatch_ActivityCallback(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	counts := make(map[string][]int)
	w := New(func(sessionID string, fileCount int) {
		mu.Lock()
		counts[sessionID] = append(counts[sessionID], fileCount)
		mu.Unlock()
	}, nil)
	defer w.Shutdown()

	if err := w.Watch("s1", dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// Initial count arrives asynchronously.
	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(counts["s1"])
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("initial activity callback never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0644)

	deadline = time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		last := -1
		if n := len(counts["s1"]); n > 0 {
			last = counts["s1"][n-1]
		}
		mu.Unlock()
		if last == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected recount to 1, got %v", counts["s1"])
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWatch_PlanCallback(t *testing.T) {
	dir := t.TempDir()
	plansDir := filepath.Join(dir, "plans")
	os.MkdirAll(plansDir, 0755)

	type planEvent struct{ path, content string }
	var mu sync.Mutex
	var plans []planEvent
	w := New(nil, func(sessionID, path, content string) {
		mu.Lock()
		plans = append(plans, planEvent{path, content})
		mu.Unlock()
	})
	defer w.Shutdown()

	if err := w.Watch("s1", dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	planPath := filepath.Join(plansDir, "migration.md")
	os.WriteFile(planPath, []byte("# Plan\n1. do it"), 0644)

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(plans)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("plan callback never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if plans[0].path != planPath {
		t.Errorf("expected path %s, got %s", planPath, plans[0].path)
	}
	if plans[0].content != "# Plan\n1. do it" {
		t.Errorf("unexpected content %q", plans[0].content)
	}
}

func TestWatch_NonPlanMarkdownIgnored(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	fired := 0
	w := New(nil, func(string, string, string) {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	defer w.Shutdown()

	if err := w.Watch("s1", dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	os.WriteFile(filepath.Join(dir, "README.md"), []byte("readme"), 0644)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Errorf("markdown outside plans/ must not fire plan callback, fired %d", fired)
	}
}

func TestUnwatch_Unknown(t *testing.T) {
	w := New(nil, nil)
	// Should not panic.
	w.Unwatch("nonexistent")
}

func TestBuildFileTree(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "src"), 0755)
	os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main"), 0644)
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("readme"), 0644)
	os.MkdirAll(filepath.Join(dir, "node_modules", "x"), 0755)

	tree := BuildFileTree(dir, 3)
	if len(tree) != 2 {
		t.Fatalf("expected 2 top-level nodes, got %d", len(tree))
	}
	if !tree[0].IsDir || tree[0].Name != "src" {
		t.Errorf("expected src dir first, got %+v", tree[0])
	}
	if len(tree[0].Children) != 1 || tree[0].Children[0].Name != "main.go" {
		t.Errorf("unexpected src children: %+v", tree[0].Children)
	}
	if tree[1].Name != "README.md" || tree[1].Size == 0 {
		t.Errorf("unexpected file node: %+v", tree[1])
	}
}

func TestBuildFileTree_DepthLimit(t *testing.T) {
	dir := t.TempDir()
	deep := filepath.Join(dir, "a", "b", "c")
	os.MkdirAll(deep, 0755)
	os.WriteFile(filepath.Join(deep, "hidden.txt"), []byte("x"), 0644)

	tree := BuildFileTree(dir, 2)
	if len(tree) != 1 || len(tree[0].Children) != 1 {
		t.Fatalf("unexpected tree shape: %+v", tree)
	}
	if tree[0].Children[0].Children != nil {
		t.Error("depth limit must prune grandchildren")
	}
}
