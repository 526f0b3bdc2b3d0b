package inference

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Loader opens the model stored at path.
type Loader func(path string) (Model, error)

// Reloader is a Model that follows the newest model file in a directory.
// Model files sort by name, so generation numbers in the file name must be
// zero padded. Swaps happen between batches; when the current model fails,
// the newest file is loaded once and the batch is retried.
type Reloader struct {
	dir     string
	pattern string
	load    Loader
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	current Model
	path    string
	pending bool

	done chan struct{}
}

// NewReloader loads the newest file in dir matching pattern and starts
// watching dir for new ones.
func NewReloader(dir, pattern string, load Loader) (*Reloader, error) {
	r := &Reloader{
		dir:     dir,
		pattern: pattern,
		load:    load,
		done:    make(chan struct{}),
	}

	path, err := r.newest()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("no model matching %q in %s", pattern, dir)
	}
	m, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	r.current, r.path = m, path

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		_ = m.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	r.watcher = watcher
	go r.watch()

	log.Info().Str("model", path).Msg("loaded model")
	return r, nil
}

func (r *Reloader) watch() {
	defer close(r.done)
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if ok, _ := filepath.Match(r.pattern, filepath.Base(ev.Name)); !ok {
				continue
			}
			r.mu.Lock()
			r.pending = true
			r.mu.Unlock()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("dir", r.dir).Msg("model watcher error")
		}
	}
}

// newest returns the greatest file name in dir matching the pattern.
func (r *Reloader) newest() (string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return "", fmt.Errorf("read model dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(r.pattern, e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return filepath.Join(r.dir, names[len(names)-1]), nil
}

// maybeReload swaps in the newest model if it differs from the current one.
// Must be called with r.mu held.
func (r *Reloader) maybeReload() error {
	path, err := r.newest()
	if err != nil {
		return err
	}
	if path == "" || path == r.path {
		return nil
	}
	m, err := r.load(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	old := r.current
	r.current, r.path = m, path
	if err := old.Close(); err != nil {
		log.Warn().Err(err).Str("model", old.Name()).Msg("close old model")
	}
	log.Info().Str("model", path).Msg("switched model")
	return nil
}

func (r *Reloader) Evaluate(ctx context.Context, batch [][]float32) ([]Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending {
		r.pending = false
		if err := r.maybeReload(); err != nil {
			log.Warn().Err(err).Msg("model reload failed, keeping current")
		}
	}

	out, err := r.current.Evaluate(ctx, batch)
	if err == nil || ctx.Err() != nil {
		return out, err
	}

	prev := r.path
	if rerr := r.maybeReload(); rerr != nil || r.path == prev {
		return nil, err
	}
	return r.current.Evaluate(ctx, batch)
}

func (r *Reloader) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Name()
}

func (r *Reloader) Close() error {
	werr := r.watcher.Close()
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.current.Close(); err != nil {
		return err
	}
	return werr
}
