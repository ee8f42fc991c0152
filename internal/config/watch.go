package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/logging"
)

// Editors fire bursts of write events per save; a change only counts
// once it has been quiet for the settle window.
const (
	watchSettle = 1 * time.Second
	watchTick   = 250 * time.Millisecond
)

type watcher struct {
	fs   *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
}

// Watch starts hot reload for the environment tree. Changed files are
// debounced, re-run through the full load path, and either swapped in
// (configReloaded) or rejected with the previous value retained
// (configError). Call StopWatch to stop.
func (m *Manager) Watch() error {
	if m.watcher != nil {
		return nil
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	for _, dir := range []string{m.envDir(), m.phaseDir(), m.serviceDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fs.Close()
			return err
		}
		if err := fs.Add(dir); err != nil {
			fs.Close()
			return fmt.Errorf("config: watch %s: %w", dir, err)
		}
	}

	w := &watcher{fs: fs, stop: make(chan struct{}), done: make(chan struct{})}
	m.watcher = w
	go m.watchLoop(w)

	logging.Get(logging.CategoryConfig).Info("configuration hot reload active",
		zap.String("root", m.envDir()))
	return nil
}

// StopWatch stops hot reload. Safe to call twice.
func (m *Manager) StopWatch() {
	if m.watcher == nil {
		return
	}
	close(m.watcher.stop)
	<-m.watcher.done
	m.watcher.fs.Close()
	m.watcher = nil
}

func (m *Manager) watchLoop(w *watcher) {
	defer close(w.done)
	log := logging.Get(logging.CategoryConfig)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(watchTick)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".yaml") && !strings.HasSuffix(ev.Name, ".yml") {
				continue
			}
			pending[ev.Name] = time.Now()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn("configuration watcher error", zap.Error(err))
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < watchSettle {
					continue
				}
				delete(pending, path)
				m.reloadPath(path)
			}
		}
	}
}

// reloadPath classifies a settled file by location and re-runs its load.
func (m *Manager) reloadPath(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	name := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))

	brainAbs, _ := filepath.Abs(m.brainPath())
	phaseAbs, _ := filepath.Abs(m.phaseDir())
	serviceAbs, _ := filepath.Abs(m.serviceDir())

	switch {
	case abs == brainAbs:
		m.reloadBrain()
	case filepath.Dir(abs) == phaseAbs:
		m.reloadPhase(name)
	case filepath.Dir(abs) == serviceAbs:
		m.reloadService(name)
	}
}

func (m *Manager) reloadBrain() {
	log := logging.Get(logging.CategoryConfig)

	m.mu.RLock()
	operator := m.operator[TypeBrain+"/"+TypeBrain]
	old := m.brainPayload
	m.mu.RUnlock()

	merged, _, _, err := m.loadLayers(defaultBrainPayload(), m.brainPath(), nil, operator)
	if err != nil {
		m.rejectReload(TypeBrain, TypeBrain, old, err)
		return
	}
	brain, err := m.decodeBrain(merged)
	if err != nil {
		m.rejectReload(TypeBrain, TypeBrain, old, err)
		return
	}

	m.mu.Lock()
	for name, phase := range m.phases {
		if cerr := checkPhaseCaps(name, phase, brain); cerr != nil {
			m.mu.Unlock()
			// The rejected payload is recorded for audit but never goes live.
			m.rejectReload(TypeBrain, TypeBrain, old, cerr)
			if _, aerr := m.history.Append(TypeBrain, TypeBrain, merged, m.author,
				"rejected reload: "+cerr.Error(), []string{"audit", "rejected"}); aerr != nil {
				log.Warn("audit append failed", zap.Error(aerr))
			}
			return
		}
	}
	if payloadHash(merged) == payloadHash(m.brainPayload) {
		m.mu.Unlock()
		return
	}
	m.brain = brain
	m.brainPayload = merged
	m.mu.Unlock()

	if _, err := m.history.Append(TypeBrain, TypeBrain, merged, m.author, "hot reload", []string{"reload"}); err != nil {
		log.Warn("history append failed", zap.Error(err))
	}
	log.Info("brain configuration reloaded")
	m.emit(Event{Kind: EventReloaded, Type: TypeBrain, Key: TypeBrain, Old: old, New: merged})
}

func (m *Manager) reloadPhase(name string) {
	log := logging.Get(logging.CategoryConfig)

	m.mu.RLock()
	if _, loaded := m.phases[name]; !loaded {
		m.mu.RUnlock()
		return
	}
	operator := m.operator[TypePhase+"/"+name]
	old := m.phasePayloads[name]
	var brainOverride map[string]interface{}
	if m.brain != nil {
		brainOverride = m.brain.Phases[name]
	}
	brain := m.brain
	m.mu.RUnlock()

	merged, _, _, err := m.loadLayers(defaultPhasePayload(), m.phasePath(name), brainOverride, operator)
	if err != nil {
		m.rejectReload(TypePhase, name, old, err)
		return
	}
	phase, err := m.decodePhase(name, merged)
	if err != nil {
		m.rejectReload(TypePhase, name, old, err)
		return
	}
	if err := checkPhaseCaps(name, phase, brain); err != nil {
		m.rejectReload(TypePhase, name, old, err)
		if _, aerr := m.history.Append(TypePhase, name, merged, m.author,
			"rejected reload: "+err.Error(), []string{"audit", "rejected"}); aerr != nil {
			log.Warn("audit append failed", zap.Error(aerr))
		}
		return
	}

	m.mu.Lock()
	if payloadHash(merged) == payloadHash(m.phasePayloads[name]) {
		m.mu.Unlock()
		return
	}
	m.phases[name] = phase
	m.phasePayloads[name] = merged
	m.mu.Unlock()

	if _, err := m.history.Append(TypePhase, name, merged, m.author, "hot reload", []string{"reload"}); err != nil {
		log.Warn("history append failed", zap.Error(err))
	}
	log.Info("phase configuration reloaded", zap.String("phase", name))
	m.emit(Event{Kind: EventReloaded, Type: TypePhase, Key: name, Old: old, New: merged})
}

func (m *Manager) reloadService(name string) {
	m.mu.RLock()
	if _, loaded := m.services[name]; !loaded {
		m.mu.RUnlock()
		return
	}
	operator := m.operator[TypeService+"/"+name]
	old := map[string]interface{}(m.services[name])
	m.mu.RUnlock()

	merged, _, _, err := m.loadLayers(map[string]interface{}{}, m.servicePath(name), nil, operator)
	if err != nil {
		m.rejectReload(TypeService, name, old, err)
		return
	}

	m.mu.Lock()
	if payloadHash(merged) == payloadHash(map[string]interface{}(m.services[name])) {
		m.mu.Unlock()
		return
	}
	m.services[name] = ServiceConfig(merged)
	m.mu.Unlock()

	if _, err := m.history.Append(TypeService, name, merged, m.author, "hot reload", []string{"reload"}); err != nil {
		logging.Get(logging.CategoryConfig).Warn("history append failed", zap.Error(err))
	}
	logging.Get(logging.CategoryConfig).Info("service configuration reloaded", zap.String("service", name))
	m.emit(Event{Kind: EventReloaded, Type: TypeService, Key: name, Old: old, New: merged})
}

// rejectReload keeps the previous value live and tells observers.
func (m *Manager) rejectReload(cfgType, key string, old map[string]interface{}, err error) {
	logging.Get(logging.CategoryConfig).Error("configuration reload rejected, previous value retained",
		zap.String("type", cfgType), zap.String("key", key), zap.Error(err))
	m.emit(Event{Kind: EventError, Type: cfgType, Key: key, Old: old, Err: err.Error()})
}
