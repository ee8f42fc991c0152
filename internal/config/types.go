// Package config implements the hierarchical configuration manager:
// layered loading (defaults, environment file, brain override, operator
// overrides), schema validation, brain-cap cross-checks, hot reload with
// debounce, and an append-only version history with rollback, diff, and
// search.
package config

import (
	"errors"
	"time"
)

// Entity types tracked by the manager and its history.
const (
	TypeBrain   = "brain"
	TypePhase   = "phase"
	TypeService = "service"
)

// Layer names recorded in source attribution, in overlay order (later
// layers win).
const (
	LayerDefault  = "default"
	LayerEnv      = "environment"
	LayerBrain    = "brain-override"
	LayerOperator = "operator"
)

// ErrVersionNotFound is returned for history lookups of unknown versions.
var ErrVersionNotFound = errors.New("config: version not found")

// BrainConfig carries the global risk bounds and per-phase overrides.
type BrainConfig struct {
	MaxTotalLeverage  float64                           `json:"maxTotalLeverage" yaml:"maxTotalLeverage" validate:"required,gt=0"`
	MaxGlobalDrawdown float64                           `json:"maxGlobalDrawdown" yaml:"maxGlobalDrawdown" validate:"required,gt=0,lte=1"`
	Phases            map[string]map[string]interface{} `json:"phases,omitempty" yaml:"phases,omitempty"`
}

// PhaseConfig carries per-phase runtime parameters. Thresholds is the
// open-ended detection-threshold map; unknown keys pass through untouched.
type PhaseConfig struct {
	MaxLeverage float64                `json:"maxLeverage" yaml:"maxLeverage" validate:"required,gt=0"`
	MaxDrawdown float64                `json:"maxDrawdown" yaml:"maxDrawdown" validate:"required,gt=0,lte=1"`
	Thresholds  map[string]float64     `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// ServiceConfig is the opaque key-value map for leaf services.
type ServiceConfig map[string]interface{}

// ConfigVersion is one append-only history entry for a (type, key) pair.
type ConfigVersion struct {
	Version   int                    `json:"version"`
	Payload   map[string]interface{} `json:"payload"`
	Author    string                 `json:"author"`
	Comment   string                 `json:"comment,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Hash      string                 `json:"hash"`
}

// Sources attributes each top-level key of a loaded config to the layer
// that supplied its final value.
type Sources map[string]string

// LoadResult is what every load path returns: the merged generic payload,
// per-key source attribution, and non-fatal validation warnings.
type LoadResult struct {
	Payload  map[string]interface{}
	Sources  Sources
	Warnings []string
}

// EventKind classifies manager observer events.
type EventKind string

const (
	// EventChanged fires after an explicit Save.
	EventChanged EventKind = "configChanged"
	// EventReloaded fires after a successful hot reload.
	EventReloaded EventKind = "configReloaded"
	// EventError fires when a hot reload fails; the previous value is
	// retained.
	EventError EventKind = "configError"
)

// Event is delivered to manager observers. Old/New are nil when not
// applicable.
type Event struct {
	Kind EventKind
	Type string
	Key  string
	Old  map[string]interface{}
	New  map[string]interface{}
	Err  string
}
