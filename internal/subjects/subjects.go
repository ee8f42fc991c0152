// Package subjects is the single source of truth for every subject the
// fabric publishes or consumes. Raw subject strings must not appear outside
// this package; components compose subjects through the constants and
// constructors here.
//
// Grammar:
//
//	titan . (cmd|evt|data|signal|sys|dlq) . {domain} . {action} . v{n}
//	       [. {venue} . {account} . {symbol}]
//
// Symbols are normalized by replacing "/" with "_" so BTC/USDT routes as
// BTC_USDT.
package subjects

import "strings"

// Root is the fixed first token of every fabric subject.
const Root = "titan"

// Second-token classes. A subject whose second token is not one of these is
// classified non-standard (see IsStandard).
const (
	ClassCmd    = "cmd"
	ClassEvt    = "evt"
	ClassData   = "data"
	ClassSignal = "signal"
	ClassSys    = "sys"
	ClassDLQ    = "dlq"
)

// Wildcard roots per class. PREFIX is the bare prefix, ALL appends ".>".
const (
	CmdPrefix  = Root + "." + ClassCmd
	CmdAll     = CmdPrefix + ".>"
	EvtPrefix  = Root + "." + ClassEvt
	EvtAll     = EvtPrefix + ".>"
	DataPrefix = Root + "." + ClassData
	DataAll    = DataPrefix + ".>"
	SigPrefix  = Root + "." + ClassSignal
	SigAll     = SigPrefix + ".>"
	SysPrefix  = Root + "." + ClassSys
	SysAll     = SysPrefix + ".>"
	DLQPrefix  = Root + "." + ClassDLQ
	DLQAll     = DLQPrefix + ".>"
)

// Commands.
const (
	// CmdExecutionPlace is the routed order-placement command prefix. Append
	// routing tokens with ForRoute.
	CmdExecutionPlace = "titan.cmd.execution.place.v1"
	// CmdExecutionCancel is the routed order-cancellation command prefix.
	CmdExecutionCancel = "titan.cmd.execution.cancel.v1"
	// CmdExecutionAll covers every execution command for durable consumers.
	CmdExecutionAll = "titan.cmd.execution.>"
	// CmdSysHalt halts all trading activity.
	CmdSysHalt = "titan.cmd.sys.halt.v1"
	// CmdSysResume resumes trading after a halt.
	CmdSysResume = "titan.cmd.sys.resume.v1"
)

// Events.
const (
	// EvtBrainSignal is where the brain publishes accepted intent signals.
	// SignalSubmit below aliases it; the signal-class spelling is legacy.
	EvtBrainSignal = "titan.evt.brain.signal.v1"
	// EvtBrainConstraints announces recomputed risk constraints.
	EvtBrainConstraints = "titan.evt.brain.constraints.v1"
	// EvtExecutionOrderPlaced is the order lifecycle prefix. Routed.
	EvtExecutionOrderPlaced = "titan.evt.execution.order_placed.v1"
	// EvtExecutionOrderFilled is emitted on fills. Routed.
	EvtExecutionOrderFilled = "titan.evt.execution.order_filled.v1"
	// EvtExecutionAll covers execution lifecycle events.
	EvtExecutionAll = "titan.evt.execution.>"
	// EvtVenueStatus carries venue health transitions. Routed by venue.
	EvtVenueStatus = "titan.evt.venue.status.v1"
	// EvtVenueAll covers all venue events.
	EvtVenueAll = "titan.evt.venue.>"
)

// SignalSubmit is the subject the signal-variant client publishes intents
// to. It resolves to the event-class subject; the old signal-class spelling
// survives in the Legacy block until the sunset date.
const SignalSubmit = EvtBrainSignal

// Data streams (high-frequency telemetry, not audited).
const (
	// DataBrainMetrics carries brain health/performance samples.
	DataBrainMetrics = "titan.data.brain.metrics.v1"
	// DataMarketTicker is the routed market ticker prefix.
	DataMarketTicker = "titan.data.market.ticker.v1"
)

// System.
const (
	// SysHeartbeat is the component liveness beacon.
	SysHeartbeat = "titan.sys.heartbeat.v1"
)

// Request/reply. These deliberately sit outside the six stream classes:
// they are never persisted, so the validator reports them non-standard.
const (
	// ReqExecPolicyHash asks the execution side for its active policy hash.
	ReqExecPolicyHash = "titan.req.exec.policy_hash.v1"
)

// DLQ.
const (
	// DLQExecutionCore receives intents that failed schema validation.
	DLQExecutionCore = "titan.dlq.execution.core"
	// DLQUnknownPrefix prefixes dead letters whose origin is not under titan.
	DLQUnknownPrefix = "titan.dlq.unknown"
)

// Routing defaults applied by ForRoute when tokens are empty.
const (
	DefaultVenue   = "auto"
	DefaultAccount = "main"
)

// NormalizeSymbol rewrites an exchange symbol into subject-safe form.
func NormalizeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "_")
}

// ForRoute appends the {venue}.{account}.{symbol} routing tail to a command
// or event prefix. Empty venue/account fall back to the defaults; the
// symbol is normalized.
func ForRoute(prefix, venue, account, symbol string) string {
	if venue == "" {
		venue = DefaultVenue
	}
	if account == "" {
		account = DefaultAccount
	}
	return prefix + "." + venue + "." + account + "." + NormalizeSymbol(symbol)
}

// Class returns the second token of a fabric subject, or "" when the
// subject does not start with the titan root or has no class token.
func Class(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 2 || parts[0] != Root {
		return ""
	}
	switch parts[1] {
	case ClassCmd, ClassEvt, ClassData, ClassSignal, ClassSys, ClassDLQ:
		return parts[1]
	}
	return ""
}

// IsStandard reports whether a subject belongs to the recognized namespace:
// titan root plus one of the six stream classes.
func IsStandard(subject string) bool {
	return Class(subject) != ""
}

// DLQFor maps an original subject to its dead-letter subject. Subjects under
// titan.* keep their suffix under the DLQ prefix; anything else lands under
// the unknown prefix with the full original subject appended.
func DLQFor(original string) string {
	if rest, ok := strings.CutPrefix(original, Root+"."); ok {
		return DLQPrefix + "." + rest
	}
	return DLQUnknownPrefix + "." + original
}

// Match reports whether a NATS subject pattern ("*" single token, ">"
// trailing multi-token) matches a literal subject.
func Match(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")

	for i := 0; i < len(p); i++ {
		if i >= len(s) {
			// ">" needs at least one remaining token, so an exhausted
			// subject never matches.
			return false
		}
		switch p[i] {
		case ">":
			return i == len(p)-1
		case "*":
			continue
		default:
			if p[i] != s[i] {
				return false
			}
		}
	}
	return len(s) == len(p)
}
