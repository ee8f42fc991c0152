package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/logging"
)

// Built-in defaults, the bottom overlay layer.
func defaultBrainPayload() map[string]interface{} {
	return map[string]interface{}{
		"maxTotalLeverage":  20.0,
		"maxGlobalDrawdown": 0.25,
		"phases":            map[string]interface{}{},
	}
}

func defaultPhasePayload() map[string]interface{} {
	return map[string]interface{}{
		"maxLeverage": 5.0,
		"maxDrawdown": 0.1,
	}
}

// Manager loads, validates, watches, and versions the configuration tree.
// Layout under root:
//
//	<root>/<env>/brain.yaml
//	<root>/<env>/phases/<phase>.yaml
//	<root>/<env>/services/<service>.yaml
//	<root>/.history/<type>_<key>.json
type Manager struct {
	mu sync.RWMutex

	root   string
	env    string
	author string

	validate *validator.Validate
	history  *HistoryStore

	brain        *BrainConfig
	brainPayload map[string]interface{}

	phases        map[string]*PhaseConfig
	phasePayloads map[string]map[string]interface{}

	services map[string]ServiceConfig

	// operator overrides replayed on hot reload, keyed "<type>/<key>"
	operator map[string]map[string]interface{}

	obsMu     sync.Mutex
	listeners []chan Event

	watcher *watcher
}

// ManagerOption configures NewManager.
type ManagerOption func(*Manager)

// WithAuthor names the author recorded on history entries.
func WithAuthor(author string) ManagerOption {
	return func(m *Manager) { m.author = author }
}

// NewManager builds a manager rooted at root for the given environment
// tag (from TITAN_ENV when empty).
func NewManager(root, env string, opts ...ManagerOption) (*Manager, error) {
	if env == "" {
		env = os.Getenv("TITAN_ENV")
	}
	if env == "" {
		env = "development"
	}
	hist, err := NewHistoryStore(root)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		root:          root,
		env:           env,
		author:        "titan",
		validate:      validator.New(),
		history:       hist,
		phases:        make(map[string]*PhaseConfig),
		phasePayloads: make(map[string]map[string]interface{}),
		services:      make(map[string]ServiceConfig),
		operator:      make(map[string]map[string]interface{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Env returns the active environment tag.
func (m *Manager) Env() string { return m.env }

// History exposes the version store.
func (m *Manager) History() *HistoryStore { return m.history }

func (m *Manager) envDir() string          { return filepath.Join(m.root, m.env) }
func (m *Manager) brainPath() string       { return filepath.Join(m.envDir(), "brain.yaml") }
func (m *Manager) phaseDir() string        { return filepath.Join(m.envDir(), "phases") }
func (m *Manager) phasePath(n string) string {
	return filepath.Join(m.phaseDir(), n+".yaml")
}
func (m *Manager) serviceDir() string { return filepath.Join(m.envDir(), "services") }
func (m *Manager) servicePath(n string) string {
	return filepath.Join(m.serviceDir(), n+".yaml")
}

func readYAMLFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

func writeYAMLFile(path string, payload map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(payload)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// decodeInto round-trips a generic payload into a typed struct.
func decodeInto(payload map[string]interface{}, target interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// loadLayers reads the env file (a missing file is a warning, not an
// error) and folds the overlay.
func (m *Manager) loadLayers(defaults map[string]interface{}, path string, brainOverride, operator map[string]interface{}) (map[string]interface{}, Sources, []string, error) {
	var warnings []string

	envValues, err := readYAMLFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			warnings = append(warnings, fmt.Sprintf("no environment file at %s, using defaults", path))
			envValues = nil
		} else {
			return nil, nil, nil, err
		}
	}

	merged, sources := overlay([]layer{
		{LayerDefault, defaults},
		{LayerEnv, envValues},
		{LayerBrain, brainOverride},
		{LayerOperator, operator},
	})
	return merged, sources, warnings, nil
}

// LoadBrain loads the brain configuration through the overlay hierarchy.
// Operator overrides (may be nil) are remembered and replayed on hot
// reload. Fatal on schema violation or when the new caps would breach an
// already-loaded phase.
func (m *Manager) LoadBrain(operator map[string]interface{}) (*BrainConfig, LoadResult, error) {
	merged, sources, warnings, err := m.loadLayers(defaultBrainPayload(), m.brainPath(), nil, operator)
	if err != nil {
		return nil, LoadResult{}, err
	}

	brain, err := m.decodeBrain(merged)
	if err != nil {
		return nil, LoadResult{}, err
	}

	m.mu.Lock()
	for name, phase := range m.phases {
		if cerr := checkPhaseCaps(name, phase, brain); cerr != nil {
			m.mu.Unlock()
			return nil, LoadResult{}, cerr
		}
	}
	m.brain = brain
	m.brainPayload = merged
	m.operator[TypeBrain+"/"+TypeBrain] = operator
	m.mu.Unlock()

	if _, err := m.history.Append(TypeBrain, TypeBrain, merged, m.author, "load", nil); err != nil {
		warnings = append(warnings, fmt.Sprintf("history append failed: %v", err))
	}
	return brain, LoadResult{Payload: merged, Sources: sources, Warnings: warnings}, nil
}

func (m *Manager) decodeBrain(payload map[string]interface{}) (*BrainConfig, error) {
	var brain BrainConfig
	if err := decodeInto(payload, &brain); err != nil {
		return nil, fmt.Errorf("config: brain decode: %w", err)
	}
	if err := m.validate.Struct(&brain); err != nil {
		return nil, fmt.Errorf("config: brain schema: %w", err)
	}
	return &brain, nil
}

// LoadPhase loads a phase through the overlay hierarchy, applying the
// brain's per-phase override layer when a brain is loaded. A phase whose
// caps exceed the brain's global caps fails the load.
func (m *Manager) LoadPhase(name string, operator map[string]interface{}) (*PhaseConfig, LoadResult, error) {
	m.mu.RLock()
	var brainOverride map[string]interface{}
	if m.brain != nil {
		if raw, ok := m.brain.Phases[name]; ok {
			brainOverride = raw
		}
	}
	brain := m.brain
	m.mu.RUnlock()

	merged, sources, warnings, err := m.loadLayers(defaultPhasePayload(), m.phasePath(name), brainOverride, operator)
	if err != nil {
		return nil, LoadResult{}, err
	}

	phase, err := m.decodePhase(name, merged)
	if err != nil {
		return nil, LoadResult{}, err
	}
	if err := checkPhaseCaps(name, phase, brain); err != nil {
		return nil, LoadResult{}, err
	}

	m.mu.Lock()
	m.phases[name] = phase
	m.phasePayloads[name] = merged
	m.operator[TypePhase+"/"+name] = operator
	m.mu.Unlock()

	if _, err := m.history.Append(TypePhase, name, merged, m.author, "load", nil); err != nil {
		warnings = append(warnings, fmt.Sprintf("history append failed: %v", err))
	}
	return phase, LoadResult{Payload: merged, Sources: sources, Warnings: warnings}, nil
}

func (m *Manager) decodePhase(name string, payload map[string]interface{}) (*PhaseConfig, error) {
	var phase PhaseConfig
	if err := decodeInto(payload, &phase); err != nil {
		return nil, fmt.Errorf("config: phase %s decode: %w", name, err)
	}
	// Unknown top-level keys ride along in Extra.
	known := map[string]struct{}{"maxLeverage": {}, "maxDrawdown": {}, "thresholds": {}, "extra": {}}
	for k, v := range payload {
		if _, ok := known[k]; !ok {
			if phase.Extra == nil {
				phase.Extra = map[string]interface{}{}
			}
			phase.Extra[k] = v
		}
	}
	if err := m.validate.Struct(&phase); err != nil {
		return nil, fmt.Errorf("config: phase %s schema: %w", name, err)
	}
	return &phase, nil
}

// checkPhaseCaps enforces the brain's global limits. A nil brain skips the
// check (no brain loaded yet).
func checkPhaseCaps(name string, phase *PhaseConfig, brain *BrainConfig) error {
	if brain == nil {
		return nil
	}
	if phase.MaxLeverage > brain.MaxTotalLeverage || phase.MaxDrawdown > brain.MaxGlobalDrawdown {
		return fmt.Errorf("invalid %s configuration after brain overrides: leverage %.2f/%.2f drawdown %.2f/%.2f",
			name, phase.MaxLeverage, brain.MaxTotalLeverage, phase.MaxDrawdown, brain.MaxGlobalDrawdown)
	}
	return nil
}

// LoadService loads an opaque service config.
func (m *Manager) LoadService(name string, operator map[string]interface{}) (ServiceConfig, LoadResult, error) {
	merged, sources, warnings, err := m.loadLayers(map[string]interface{}{}, m.servicePath(name), nil, operator)
	if err != nil {
		return nil, LoadResult{}, err
	}

	m.mu.Lock()
	m.services[name] = ServiceConfig(merged)
	m.operator[TypeService+"/"+name] = operator
	m.mu.Unlock()

	if _, err := m.history.Append(TypeService, name, merged, m.author, "load", nil); err != nil {
		warnings = append(warnings, fmt.Sprintf("history append failed: %v", err))
	}
	return ServiceConfig(merged), LoadResult{Payload: merged, Sources: sources, Warnings: warnings}, nil
}

// Brain returns the live brain config, nil when not loaded.
func (m *Manager) Brain() *BrainConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.brain
}

// Phase returns a live phase config.
func (m *Manager) Phase(name string) (*PhaseConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.phases[name]
	return p, ok
}

// Service returns a live service config.
func (m *Manager) Service(name string) (ServiceConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[name]
	return s, ok
}

// Save persists a payload as the environment file for (type, key),
// appends a history version, and emits configChanged. The payload becomes
// live after the usual decode/validate path.
func (m *Manager) Save(cfgType, key string, payload map[string]interface{}, comment string, tags []string) (ConfigVersion, error) {
	var path string
	switch cfgType {
	case TypeBrain:
		path = m.brainPath()
	case TypePhase:
		path = m.phasePath(key)
	case TypeService:
		path = m.servicePath(key)
	default:
		return ConfigVersion{}, fmt.Errorf("config: unknown type %q", cfgType)
	}

	old := m.livePayload(cfgType, key)
	if err := m.install(cfgType, key, payload); err != nil {
		return ConfigVersion{}, err
	}
	if err := writeYAMLFile(path, payload); err != nil {
		return ConfigVersion{}, err
	}
	v, err := m.history.Append(cfgType, key, payload, m.author, comment, tags)
	if err != nil {
		return ConfigVersion{}, err
	}
	m.emit(Event{Kind: EventChanged, Type: cfgType, Key: key, Old: old, New: payload})
	return v, nil
}

// install decodes, validates, and swaps in a payload as the live value.
func (m *Manager) install(cfgType, key string, payload map[string]interface{}) error {
	switch cfgType {
	case TypeBrain:
		brain, err := m.decodeBrain(payload)
		if err != nil {
			return err
		}
		m.mu.Lock()
		for name, phase := range m.phases {
			if cerr := checkPhaseCaps(name, phase, brain); cerr != nil {
				m.mu.Unlock()
				return cerr
			}
		}
		m.brain = brain
		m.brainPayload = payload
		m.mu.Unlock()
	case TypePhase:
		phase, err := m.decodePhase(key, payload)
		if err != nil {
			return err
		}
		if err := checkPhaseCaps(key, phase, m.Brain()); err != nil {
			return err
		}
		m.mu.Lock()
		m.phases[key] = phase
		m.phasePayloads[key] = payload
		m.mu.Unlock()
	case TypeService:
		m.mu.Lock()
		m.services[key] = ServiceConfig(payload)
		m.mu.Unlock()
	default:
		return fmt.Errorf("config: unknown type %q", cfgType)
	}
	return nil
}

func (m *Manager) livePayload(cfgType, key string) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch cfgType {
	case TypeBrain:
		return m.brainPayload
	case TypePhase:
		return m.phasePayloads[key]
	case TypeService:
		return map[string]interface{}(m.services[key])
	}
	return nil
}

// RollbackToVersion makes version V the live configuration and appends a
// new version recording the rollback. History is append-only: the next
// version number continues from the previous latest, not from V.
func (m *Manager) RollbackToVersion(cfgType, key string, version int) (ConfigVersion, error) {
	target, err := m.history.GetVersion(cfgType, key, version)
	if err != nil {
		return ConfigVersion{}, err
	}
	v, err := m.Save(cfgType, key, target.Payload,
		fmt.Sprintf("rollback to v%d", version), []string{"rollback"})
	if err != nil {
		return ConfigVersion{}, err
	}
	logging.Get(logging.CategoryConfig).Info("configuration rolled back",
		zap.String("type", cfgType), zap.String("key", key),
		zap.Int("to", version), zap.Int("as", v.Version))
	return v, nil
}

// Observe registers an event listener. Emit never blocks: events are
// dropped with a warning when a listener falls behind.
func (m *Manager) Observe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	m.obsMu.Lock()
	m.listeners = append(m.listeners, ch)
	m.obsMu.Unlock()

	cancel := func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		for i, l := range m.listeners {
			if l == ch {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (m *Manager) emit(ev Event) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	for _, ch := range m.listeners {
		select {
		case ch <- ev:
		default:
			logging.Get(logging.CategoryConfig).Warn("config event dropped, listener behind",
				zap.String("kind", string(ev.Kind)), zap.String("key", ev.Key))
		}
	}
}
