// Package watcher monitors session working directories. It reports
// debounced file-count changes for activity display and surfaces plan
// documents the agent writes under a plans/ directory, complementing the
// in-stream plan extraction with on-disk detection.
package watcher

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"claude-bridge/internal/protocol"

	"github.com/fsnotify/fsnotify"
)

const (
	debounceInterval = 500 * time.Millisecond
	maxTreeDepth     = 3
)

// excludedDirs are directories excluded from file counting and tree generation.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// ActivityFunc is called when the file count changes for a session.
type ActivityFunc func(sessionID string, fileCount int)

// PlanFunc is called when a plan file appears or changes in a session's
// workdir. content is the full document.
type PlanFunc func(sessionID, path, content string)

// Watcher monitors working directories for file changes.
type Watcher struct {
	mu         sync.RWMutex
	watchers   map[string]*sessionWatcher // sessionID → watcher
	onActivity ActivityFunc
	onPlan     PlanFunc
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	countMu   sync.Mutex
	lastCount int
}

// New creates a file system watcher. Either callback may be nil.
func New(onActivity ActivityFunc, onPlan PlanFunc) *Watcher {
	return &Watcher{
		watchers:   make(map[string]*sessionWatcher),
		onActivity: onActivity,
		onPlan:     onPlan,
	}
}

// Watch starts watching a directory for a given session.
func (w *Watcher) Watch(sessionID, workDir string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		lastCount: -1, // Force initial update.
	}

	// Add directories recursively.
	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	// Run the event loop.
	go w.watchLoop(sw)

	// Compute initial file count.
	go func() {
		count := CountFiles(workDir)
		sw.countMu.Lock()
		sw.lastCount = count
		sw.countMu.Unlock()
		if w.onActivity != nil {
			w.onActivity(sessionID, count)
		}
	}()

	return nil
}

// Unwatch stops watching a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-sw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						sw.fsWatcher.Add(event.Name)
					}
				}
			}

			// Plan files are surfaced immediately, not debounced: the
			// document is the payload, not the count.
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				if protocol.IsPlanFile(event.Name) {
					w.emitPlan(sw, event.Name)
				}
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				w.recount(sw)
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("watcher error for session %s: %v", sw.sessionID, err)
		}
	}
}

func (w *Watcher) emitPlan(sw *sessionWatcher, path string) {
	if w.onPlan == nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("session %s: read plan file %s: %v", sw.sessionID, path, err)
		return
	}
	w.onPlan(sw.sessionID, path, string(data))
}

// recount recalculates file count and notifies if changed.
func (w *Watcher) recount(sw *sessionWatcher) {
	count := CountFiles(sw.workDir)

	sw.countMu.Lock()
	changed := count != sw.lastCount
	sw.lastCount = count
	sw.countMu.Unlock()

	if changed && w.onActivity != nil {
		w.onActivity(sw.sessionID, count)
	}
}

// CountFiles counts all non-excluded files in a directory.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}

		name := d.Name()

		if d.IsDir() {
			if excludedDirs[name] {
				return filepath.SkipDir
			}
			// Skip hidden dirs except .claude.
			if isHidden(name) && name != ".claude" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}

		// Skip hidden files (except inside .claude).
		rel, _ := filepath.Rel(dir, path)
		if isHidden(name) && !strings.HasPrefix(rel, ".claude") {
			return nil
		}

		count++
		return nil
	})
	return count
}

// FileNode represents a file or directory in the workspace tree.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"isDir"`
	Children []FileNode `json:"children,omitempty"`
	Size     int64      `json:"size,omitempty"`
}

// BuildFileTree generates a FileNode tree for a directory up to maxDepth levels.
func BuildFileTree(dir string, maxDepth int) []FileNode {
	if maxDepth <= 0 {
		maxDepth = maxTreeDepth
	}
	return buildTreeRecursive(dir, dir, 0, maxDepth)
}

func buildTreeRecursive(rootDir, currentDir string, depth, maxDepth int) []FileNode {
	if depth >= maxDepth {
		return nil
	}

	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return nil
	}

	// Separate dirs and files: dirs first, files second.
	var dirs, files []os.DirEntry
	for _, entry := range entries {
		name := entry.Name()
		if excludedDirs[name] {
			continue
		}
		if isHidden(name) && name != ".claude" {
			continue
		}
		if entry.IsDir() {
			dirs = append(dirs, entry)
		} else {
			files = append(files, entry)
		}
	}

	nodes := make([]FileNode, 0, len(dirs)+len(files))

	for _, d := range dirs {
		fullPath := filepath.Join(currentDir, d.Name())
		relPath, _ := filepath.Rel(rootDir, fullPath)
		node := FileNode{
			Name:     d.Name(),
			Path:     relPath,
			IsDir:    true,
			Children: buildTreeRecursive(rootDir, fullPath, depth+1, maxDepth),
		}
		nodes = append(nodes, node)
	}

	for _, f := range files {
		fullPath := filepath.Join(currentDir, f.Name())
		relPath, _ := filepath.Rel(rootDir, fullPath)
		var size int64
		if info, err := f.Info(); err == nil {
			size = info.Size()
		}
		nodes = append(nodes, FileNode{
			Name:  f.Name(),
			Path:  relPath,
			IsDir: false,
			Size:  size,
		})
	}

	return nodes
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if excludedDirs[name] && path != dir {
			return filepath.SkipDir
		}
		if isHidden(name) && name != ".claude" && path != dir {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
