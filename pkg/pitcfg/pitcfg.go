package pitcfg

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/kartware/kartlive/log"
	"github.com/kartware/kartlive/pkg/model"
)

// Provider hands out the pit stop configuration for a track. Operators may
// change values at any time; changes apply to the next gap computation.
type Provider interface {
	Get(trackID int) model.PitStopConfig
}

// Static is the provider for a fixed configuration (tests, defaults).
type Static struct {
	Cfg model.PitStopConfig
}

func (s Static) Get(int) model.PitStopConfig { return s.Cfg }

type fileContent struct {
	Default model.PitStopConfig         `yaml:"default"`
	Tracks  map[int]model.PitStopConfig `yaml:"tracks"`
}

// FileProvider reads pit stop configuration from a YAML file and reloads it
// when the file changes.
type FileProvider struct {
	mu      sync.RWMutex
	path    string
	content fileContent
	l       *log.Logger
}

func NewFileProvider(path string) (*FileProvider, error) {
	ret := &FileProvider{
		path: path,
		l:    log.Default().Named("pitcfg"),
	}
	if err := ret.load(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (p *FileProvider) Get(trackID int) model.PitStopConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cfg, ok := p.content.Tracks[trackID]; ok {
		return cfg
	}
	return p.content.Default
}

// Watch reloads the file on change until the context is canceled.
// Editors replace files rather than writing in place, so the parent
// directory is watched and events are filtered by name.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(p.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := p.load(); err != nil {
				p.l.Warn("pit config reload failed",
					log.String("path", p.path), log.ErrorField(err))
				continue
			}
			p.l.Info("pit config reloaded", log.String("path", p.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.l.Warn("pit config watcher error", log.ErrorField(err))
		}
	}
}

func (p *FileProvider) load() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	var content fileContent
	if err := yaml.Unmarshal(data, &content); err != nil {
		return err
	}
	p.mu.Lock()
	p.content = content
	p.mu.Unlock()
	return nil
}
