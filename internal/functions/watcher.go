package functions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

const defaultDebounceDuration = 100 * time.Millisecond

var manifestGlob = glob.MustCompile("*.{yaml,yml}")

// ManifestHandler is called for every manifest loaded from disk.
type ManifestHandler func(ctx context.Context, path string, m *Manifest) error

// RegisterManifest returns a handler that registers the manifest's
// definition. A manifest whose version is already registered is skipped.
func RegisterManifest(registry *Registry) ManifestHandler {
	return func(ctx context.Context, path string, m *Manifest) error {
		def, err := m.Definition(filepath.Dir(path))
		if err != nil {
			return err
		}

		existing, err := registry.Get(ctx, def.ID, def.Metadata.Version)
		if err != nil {
			return err
		}
		if existing != nil {
			log.Debug().
				Str("function_id", def.ID).
				Str("version", def.Metadata.Version).
				Msg("Manifest version already registered")
			return nil
		}

		_, err = registry.Register(ctx, def)
		return err
	}
}

// LoadManifestDir loads every manifest in dir, in file name order, and
// passes it to handler. Failures are logged and do not stop the scan.
// It returns the number of manifests handled successfully.
func LoadManifestDir(ctx context.Context, dir string, handler ManifestHandler) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading manifests directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && manifestGlob.Match(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := loadAndHandle(ctx, path, handler); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to load manifest")
			continue
		}
		loaded++
	}

	log.Info().Str("dir", dir).Int("count", loaded).Msg("Loaded function manifests")
	return loaded, nil
}

func loadAndHandle(ctx context.Context, path string, handler ManifestHandler) error {
	m, err := LoadManifest(path)
	if err != nil {
		return err
	}
	return handler(ctx, path, m)
}

// ManifestWatcher reloads manifests when they change on disk.
type ManifestWatcher struct {
	dir              string
	handler          ManifestHandler
	watcher          *fsnotify.Watcher
	debounceDuration time.Duration
	debounceTimers   map[string]*time.Timer
	mu               sync.Mutex
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
}

// NewManifestWatcher creates a watcher for dir.
func NewManifestWatcher(dir string, handler ManifestHandler) (*ManifestWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ManifestWatcher{
		dir:              dir,
		handler:          handler,
		watcher:          watcher,
		debounceDuration: defaultDebounceDuration,
		debounceTimers:   make(map[string]*time.Timer),
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// SetDebounceDuration sets how long a file must be quiet before reloading.
func (mw *ManifestWatcher) SetDebounceDuration(d time.Duration) {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.debounceDuration = d
}

// Start begins watching the directory.
func (mw *ManifestWatcher) Start() error {
	if err := os.MkdirAll(mw.dir, 0o755); err != nil {
		return fmt.Errorf("creating manifests directory: %w", err)
	}
	if err := mw.watcher.Add(mw.dir); err != nil {
		return fmt.Errorf("watching %s: %w", mw.dir, err)
	}

	mw.wg.Add(1)
	go mw.eventLoop()

	log.Debug().Str("dir", mw.dir).Msg("Watching function manifests")
	return nil
}

// Stop stops the watcher and waits for pending reloads to be dropped.
func (mw *ManifestWatcher) Stop() error {
	mw.cancel()
	mw.wg.Wait()

	mw.mu.Lock()
	for _, timer := range mw.debounceTimers {
		timer.Stop()
	}
	mw.mu.Unlock()

	return mw.watcher.Close()
}

func (mw *ManifestWatcher) eventLoop() {
	defer mw.wg.Done()

	for {
		select {
		case <-mw.ctx.Done():
			return

		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !manifestGlob.Match(filepath.Base(event.Name)) {
				continue
			}
			mw.debounce(event.Name)

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Manifest watcher error")
		}
	}
}

func (mw *ManifestWatcher) debounce(path string) {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if timer, exists := mw.debounceTimers[path]; exists {
		timer.Stop()
	}

	mw.debounceTimers[path] = time.AfterFunc(mw.debounceDuration, func() {
		if mw.ctx.Err() != nil {
			return
		}
		log.Debug().Str("path", path).Msg("Manifest changed")
		if err := loadAndHandle(mw.ctx, path, mw.handler); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to reload manifest")
		}
	})
}
