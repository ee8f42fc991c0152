package subjects

// Legacy subjects retained for the migration window. Each entry names its
// canonical replacement and the date after which the legacy publication
// stops. Publishers use DualPublish until then.
const (
	// LegacySignalSubmit predates the evt/signal split.
	LegacySignalSubmit = "titan.signal.submit.v1"
	// LegacyExecutionDLQ predates the dlq class.
	LegacyExecutionDLQ = "titan.execution.dlq"
	// LegacyBrainMetrics predates the data class.
	LegacyBrainMetrics = "titan.brain.metrics"
	// LegacyBrainConstraints predates the evt class.
	LegacyBrainConstraints = "titan.brain.constraints"
)

// LegacySunset is the published removal date for the legacy namespace.
const LegacySunset = "2026-12-31"

// migrations maps each deprecated subject to its canonical replacement.
// The map is injective: no two legacy subjects share a target.
var migrations = map[string]string{
	LegacySignalSubmit:     EvtBrainSignal,
	LegacyExecutionDLQ:     DLQExecutionCore,
	LegacyBrainMetrics:     DataBrainMetrics,
	LegacyBrainConstraints: EvtBrainConstraints,
}

// MigrationTarget returns the canonical replacement for a deprecated
// subject, with ok=false when the subject is not in the legacy table.
func MigrationTarget(legacy string) (string, bool) {
	target, ok := migrations[legacy]
	return target, ok
}

// Migrations returns a copy of the full legacy table for monitoring and
// tests.
func Migrations() map[string]string {
	out := make(map[string]string, len(migrations))
	for k, v := range migrations {
		out[k] = v
	}
	return out
}

// DualPublishKind selects a dual-published subject family.
type DualPublishKind string

const (
	DualMetrics     DualPublishKind = "METRICS"
	DualConstraints DualPublishKind = "CONSTRAINTS"
)

// DualPublish returns the ordered [canonical, legacy] pair for a type tag
// during the migration window. Venue and symbol tokens, when non-empty, are
// appended to both subjects (symbol normalized). Unknown kinds return
// ok=false.
func DualPublish(kind DualPublishKind, venue, symbol string) ([2]string, bool) {
	var pair [2]string
	switch kind {
	case DualMetrics:
		pair = [2]string{DataBrainMetrics, LegacyBrainMetrics}
	case DualConstraints:
		pair = [2]string{EvtBrainConstraints, LegacyBrainConstraints}
	default:
		return [2]string{}, false
	}
	for i := range pair {
		if venue != "" {
			pair[i] += "." + venue
		}
		if symbol != "" {
			pair[i] += "." + NormalizeSymbol(symbol)
		}
	}
	return pair, true
}
