// Package alerts detects quota threshold crossings with per-tier dedup.
//
// DESIGN: The evaluator is driven by each new Snapshot as soon as response
// headers arrive. Each tier (warning, critical) fires at most once per
// excursion above its threshold; the only clearing path is recovery, when
// usage drops back below the warning threshold. State is guarded by one
// mutex because every in-flight request feeds the same evaluator.
package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotagate/quotagate/internal/router"
	"github.com/quotagate/quotagate/internal/telemetry"
)

// Default tier thresholds, in used-percent.
const (
	DefaultWarningThreshold  = 80
	DefaultCriticalThreshold = 95
)

// Config holds evaluator thresholds and the configured quota ceiling guess.
type Config struct {
	WarningThreshold  int
	CriticalThreshold int
	KnownTokenLimit   int64
}

// Event is one fired alert or recovery.
type Event struct {
	Timestamp         time.Time `json:"timestamp"`
	Type              string    `json:"type"` // warning | critical | rate_limit_exceeded | recovered
	Threshold         int       `json:"threshold,omitempty"`
	UsedPercent       int       `json:"used_percent"`
	TokensRemaining   int64     `json:"tokens_remaining"`
	Model             string    `json:"model,omitempty"`
	MinutesUntilReset *int64    `json:"minutes_until_reset,omitempty"`
	Message           string    `json:"message"`
}

// Notifier delivers an alert out-of-band (desktop, webhook, ...).
// Best-effort: failures are logged by the evaluator and otherwise ignored.
type Notifier interface {
	Notify(alertType, message string) error
}

// Emitter fans an event out to live dashboard clients. Fire-and-forget.
type Emitter interface {
	Emit(event string, payload any)
}

// Evaluator tracks which thresholds have fired within the current excursion.
type Evaluator struct {
	cfg      Config
	notifier Notifier
	emitter  Emitter

	mu    sync.Mutex
	fired map[string]struct{}
}

// New creates an evaluator. notifier and emitter may be nil.
func New(cfg Config, notifier Notifier, emitter Emitter) *Evaluator {
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = DefaultCriticalThreshold
	}
	return &Evaluator{
		cfg:      cfg,
		notifier: notifier,
		emitter:  emitter,
		fired:    make(map[string]struct{}),
	}
}

// Evaluate consumes a snapshot and returns the events it produced.
// Feeding the same crossed-threshold snapshot repeatedly fires each tier
// exactly once until a recovery clears it.
func (e *Evaluator) Evaluate(snap telemetry.Snapshot) []Event {
	used, ok := router.UsedPercent(&snap, e.cfg.KnownTokenLimit)
	if !ok {
		return nil
	}
	remaining := *snap.TokensRemaining

	e.mu.Lock()
	defer e.mu.Unlock()

	var events []Event

	tiers := []struct {
		name      string
		threshold int
	}{
		{"warning", e.cfg.WarningThreshold},
		{"critical", e.cfg.CriticalThreshold},
	}
	for _, tier := range tiers {
		key := fmt.Sprintf("%s-%d", tier.name, tier.threshold)
		if used < tier.threshold {
			continue
		}
		if _, already := e.fired[key]; already {
			continue
		}
		e.fired[key] = struct{}{}

		ev := Event{
			Timestamp:         time.Now(),
			Type:              tier.name,
			Threshold:         tier.threshold,
			UsedPercent:       used,
			TokensRemaining:   remaining,
			Model:             snap.Model,
			MinutesUntilReset: minutesUntilReset(snap.TokensReset),
		}
		ev.Message = formatMessage(ev)
		events = append(events, ev)
		e.dispatch("alert", ev)
	}

	// Recovery: usage fell back below the warning tier after alerts fired.
	// This is the only clearing path within a quota window.
	if used < e.cfg.WarningThreshold && len(e.fired) > 0 {
		e.fired = make(map[string]struct{})
		ev := Event{
			Timestamp:       time.Now(),
			Type:            "recovered",
			UsedPercent:     used,
			TokensRemaining: remaining,
			Model:           snap.Model,
		}
		ev.Message = fmt.Sprintf("Token quota recovered: %d%% used (%d remaining)", used, remaining)
		events = append(events, ev)
		e.dispatch("reset", ev)
	}

	return events
}

// FlagRateLimited records an upstream 429 as a first-class alert event.
// Deduped like a tier: fires once per excursion, cleared by recovery.
func (e *Evaluator) FlagRateLimited(model, requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const key = "exceeded-429"
	if _, already := e.fired[key]; already {
		return
	}
	e.fired[key] = struct{}{}

	ev := Event{
		Timestamp:   time.Now(),
		Type:        "rate_limit_exceeded",
		UsedPercent: 100,
		Model:       model,
		Message:     "Upstream returned 429: quota exceeded",
	}
	log.Warn().Str("request_id", requestID).Str("model", model).Msg("alerts: upstream rate limit hit")
	e.dispatch("alert", ev)
}

// dispatch emits the event and forwards it to the notifier. Neither path may
// block or fail alert recording. Callers hold e.mu; both sinks are non-blocking
// (emitter by contract, notifier via goroutine).
func (e *Evaluator) dispatch(eventName string, ev Event) {
	if e.emitter != nil {
		e.emitter.Emit(eventName, ev)
	}
	if e.notifier != nil {
		go func() {
			if err := e.notifier.Notify(ev.Type, ev.Message); err != nil {
				log.Debug().Err(err).Str("type", ev.Type).Msg("alerts: notification failed")
			}
		}()
	}
}

func formatMessage(ev Event) string {
	msg := fmt.Sprintf("Token quota %s: %d%% used (%d remaining)", ev.Type, ev.UsedPercent, ev.TokensRemaining)
	if ev.MinutesUntilReset != nil {
		msg += fmt.Sprintf(", resets in %dm", *ev.MinutesUntilReset)
	}
	return msg
}

// minutesUntilReset converts an RFC3339 reset timestamp into whole minutes
// from now. Returns nil for unparsable or past timestamps.
func minutesUntilReset(resetAt string) *int64 {
	if resetAt == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, resetAt)
	if err != nil {
		return nil
	}
	until := time.Until(t)
	if until <= 0 {
		return nil
	}
	minutes := int64(until / time.Minute)
	return &minutes
}
