package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// TakeoverState is the persisted operator state: who is paused and the
// codes that pause or resume automated handling.
type TakeoverState struct {
	AdminID    string   `yaml:"admin_id"`
	PauseCode  string   `yaml:"pause_takeover_user_code"`
	ResumeCode string   `yaml:"resume_takeover_user_code"`
	Paused     []string `yaml:"pause_takeover_user_list"`
}

// Takeover guards the takeover state file. It implements domain.TakeoverState.
type Takeover struct {
	mu       sync.RWMutex
	path     string
	state    TakeoverState
	logger   *slog.Logger
	onChange func(TakeoverState)
}

// LoadTakeover reads the state file, creating it with defaults when missing.
func LoadTakeover(path string, logger *slog.Logger) (*Takeover, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Takeover{path: ExpandPath(path), logger: logger}
	if err := t.reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		t.state = TakeoverState{PauseCode: DefaultPauseCode, ResumeCode: DefaultResumeCode}
		if err := t.save(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Takeover) reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return err
	}
	var st TakeoverState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse takeover file %s: %w", t.path, err)
	}
	if st.PauseCode == "" {
		st.PauseCode = DefaultPauseCode
	}
	if st.ResumeCode == "" {
		st.ResumeCode = DefaultResumeCode
	}

	t.mu.Lock()
	t.state = st
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(st)
	}
	return nil
}

// save writes the state atomically. Caller must not hold mu.
func (t *Takeover) save() error {
	t.mu.RLock()
	data, err := yaml.Marshal(t.state)
	t.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal takeover state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create takeover directory: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write takeover state: %w", err)
	}
	return os.Rename(tmp, t.path)
}

// OnChange registers a callback invoked after each reload from disk.
func (t *Takeover) OnChange(fn func(TakeoverState)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *Takeover) Path() string { return t.path }

func (t *Takeover) IsPaused(senderID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Contains(t.state.Paused, senderID)
}

// Pause adds id to the pause list. Adding an id twice is a no-op.
func (t *Takeover) Pause(id string) error {
	t.mu.Lock()
	if slices.Contains(t.state.Paused, id) {
		t.mu.Unlock()
		return nil
	}
	t.state.Paused = append(t.state.Paused, id)
	t.mu.Unlock()
	return t.save()
}

// Resume removes id from the pause list. Unknown ids are ignored.
func (t *Takeover) Resume(id string) error {
	t.mu.Lock()
	before := len(t.state.Paused)
	t.state.Paused = slices.DeleteFunc(t.state.Paused, func(s string) bool { return s == id })
	changed := len(t.state.Paused) != before
	t.mu.Unlock()
	if !changed {
		return nil
	}
	return t.save()
}

func (t *Takeover) PauseCode() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.PauseCode
}

func (t *Takeover) ResumeCode() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.ResumeCode
}

// Snapshot returns a copy of the current state.
func (t *Takeover) Snapshot() TakeoverState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := t.state
	st.Paused = slices.Clone(t.state.Paused)
	return st
}

// Watch reloads the state whenever the file is edited outside the process.
// It blocks until ctx is done.
func (t *Takeover) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: atomic saves replace the file inode.
	if err := w.Add(filepath.Dir(t.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(t.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(t.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := t.reload(); err != nil {
				t.logger.Warn("takeover reload failed", "path", t.path, "err", err)
				continue
			}
			t.logger.Debug("takeover state reloaded", "path", t.path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("takeover watcher error", "err", err)
		}
	}
}
