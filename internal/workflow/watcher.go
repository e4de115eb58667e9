package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeEvent describes a workflow definition change.
type ChangeEvent struct {
	Name      string
	Action    string // create, modify, delete
	Workflow  *Workflow
	Timestamp time.Time
}

// ChangeHandler is called when a workflow definition changes.
type ChangeHandler func(event ChangeEvent)

// Watcher keeps an in-memory catalog of workflow definitions from a
// directory and hot-reloads them on file changes. Files that fail to
// parse are skipped; the previously loaded definition stays active.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	handlers []ChangeHandler

	mu        sync.RWMutex
	workflows map[string]*Workflow
	started   bool
	stopCh    chan struct{}
}

// NewWatcher creates a watcher over a workflow definition directory.
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("workflow directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workflow directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	return &Watcher{
		dir:       dir,
		watcher:   fsw,
		logger:    logger,
		workflows: make(map[string]*Workflow),
		stopCh:    make(chan struct{}),
	}, nil
}

// OnChange registers a handler invoked for every definition change.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	w.handlers = append(w.handlers, h)
	w.mu.Unlock()
}

// Start loads all existing definitions and begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch workflow directory: %w", err)
	}

	if err := w.loadAll(); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.watcher.Close()
}

// Get returns a loaded workflow by name.
func (w *Watcher) Get(name string) (*Workflow, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	wf, ok := w.workflows[name]
	return wf, ok
}

// Names lists the loaded workflow names.
func (w *Watcher) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	names := make([]string, 0, len(w.workflows))
	for n := range w.workflows {
		names = append(names, n)
	}
	return names
}

func (w *Watcher) loadAll() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read workflow directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isWorkflowFile(e.Name()) {
			continue
		}
		w.loadFile(filepath.Join(w.dir, e.Name()), "create")
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Workflow watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isWorkflowFile(filepath.Base(event.Name)) {
		return
	}

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		action := "modify"
		if event.Op&fsnotify.Create != 0 {
			action = "create"
		}
		w.loadFile(event.Name, action)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		name := workflowName(event.Name)
		w.mu.Lock()
		delete(w.workflows, name)
		handlers := append([]ChangeHandler(nil), w.handlers...)
		w.mu.Unlock()
		w.logger.Info("Workflow definition removed", zap.String("workflow", name))
		w.notify(handlers, ChangeEvent{Name: name, Action: "delete", Timestamp: time.Now()})
	}
}

func (w *Watcher) loadFile(path, action string) {
	wf, err := Load(path)
	if err != nil {
		w.logger.Warn("Skipping invalid workflow definition",
			zap.String("file", path),
			zap.Error(err),
		)
		return
	}
	if wf.Name == "" {
		wf.Name = workflowName(path)
	}

	w.mu.Lock()
	w.workflows[wf.Name] = wf
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	w.logger.Info("Loaded workflow definition",
		zap.String("workflow", wf.Name),
		zap.String("file", path),
		zap.Int("agents", len(wf.Agents)),
	)
	w.notify(handlers, ChangeEvent{Name: wf.Name, Action: action, Workflow: wf, Timestamp: time.Now()})
}

func (w *Watcher) notify(handlers []ChangeHandler, event ChangeEvent) {
	for _, h := range handlers {
		h(event)
	}
}

func isWorkflowFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml" || ext == ".json"
}

func workflowName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
