// Package inbox delivers host session events dropped as JSON files into a
// directory. Writers should create each file under a temporary name and
// rename it into place; Submit does this.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/swamp-dev/autoflow/internal/resume"
)

// Subdirectories handled files are moved into.
const (
	ProcessedDir = "processed"
	RejectedDir  = "rejected"
)

// DefaultWorkers bounds concurrent deliveries when none is configured.
const DefaultWorkers = 4

// Handler consumes decoded events.
type Handler interface {
	HandleEvent(ctx context.Context, ev resume.Event) resume.Outcome
}

// Inbox watches a directory and hands every event file to a Handler once.
type Inbox struct {
	dir     string
	workers int
	handler Handler
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an inbox over dir.
func New(dir string, workers int, h Handler, logger *slog.Logger) *Inbox {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Inbox{
		dir:      dir,
		workers:  workers,
		handler:  h,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Dir returns the watched directory.
func (in *Inbox) Dir() string { return in.dir }

// Run processes files already in the directory, then watches for new ones
// until ctx is done.
func (in *Inbox) Run(ctx context.Context) error {
	for _, d := range []string{in.dir, filepath.Join(in.dir, ProcessedDir), filepath.Join(in.dir, RejectedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", d, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.workers)

	pending, err := in.scan()
	if err != nil {
		return err
	}
	for _, path := range pending {
		in.dispatch(gctx, g, path)
	}
	in.logger.Info("inbox watching", "dir", in.dir, "pending", len(pending), "workers", in.workers)

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case event, ok := <-watcher.Events:
			if !ok {
				break loop
			}
			if (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) && isEventFile(event.Name) {
				in.logger.Debug("fsnotify event", "op", event.Op.String(), "file", event.Name)
				in.dispatch(gctx, g, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				break loop
			}
			in.logger.Error("fsnotify error", "error", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// scan lists event files already waiting, oldest name first.
func (in *Inbox) scan() ([]string, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return nil, fmt.Errorf("reading inbox %s: %w", in.dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && isEventFile(e.Name()) {
			paths = append(paths, filepath.Join(in.dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// dispatch schedules path unless it is already being handled. It blocks while
// every worker is busy.
func (in *Inbox) dispatch(ctx context.Context, g *errgroup.Group, path string) {
	in.mu.Lock()
	if _, busy := in.inflight[path]; busy {
		in.mu.Unlock()
		return
	}
	in.inflight[path] = struct{}{}
	in.mu.Unlock()

	g.Go(func() error {
		defer func() {
			in.mu.Lock()
			delete(in.inflight, path)
			in.mu.Unlock()
		}()
		in.process(ctx, path)
		return nil
	})
}

// process delivers one file and moves it out of the inbox.
func (in *Inbox) process(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Already handled through an earlier event.
		return
	}
	if err != nil {
		in.logger.Error("reading event file", "file", path, "error", err)
		return
	}
	if len(data) == 0 {
		// Still being written; a later write event picks it up.
		return
	}

	var ev resume.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		in.logger.Warn("rejecting event file", "file", path, "error", err)
		in.move(path, RejectedDir)
		return
	}

	out := in.handler.HandleEvent(ctx, ev)
	in.logger.Info("event handled",
		"file", filepath.Base(path), "session", out.SessionID, "reason", out.Reason, "resumed", out.Resumed)
	in.move(path, ProcessedDir)
}

func (in *Inbox) move(path, sub string) {
	dst := filepath.Join(in.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		in.logger.Error("moving event file", "file", path, "to", sub, "error", err)
	}
}

func isEventFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}

// Submit writes ev into dir as a new event file and returns its path.
func Submit(dir string, ev resume.Event) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("ensure dir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding event: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.New().String()[:8])
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("writing event: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publishing event: %w", err)
	}
	return path, nil
}
