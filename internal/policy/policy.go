// Package policy holds SLA policies: ordered business-hour thresholds per level,
// the actions each level requires, and the rule that closes an item.
package policy

import (
	"fmt"
	"sort"
	"time"

	"github.com/slawatch/backend/internal/calendar"
	"github.com/slawatch/backend/internal/models"
)

type Resolution string

const (
	// ResolveOnSignal closes an item as soon as an external resolved signal arrives.
	ResolveOnSignal Resolution = "signal"
	// ResolveOnInactivity closes an item once it has been quiet for the stale window.
	ResolveOnInactivity Resolution = "inactivity"
	// ResolveOnSignalAndStale needs both the signal and a quiet stale window.
	ResolveOnSignalAndStale Resolution = "signal_and_stale"
	// ResolveOnSignalOrStale closes on whichever comes first.
	ResolveOnSignalOrStale Resolution = "signal_or_stale"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolveOnSignal, ResolveOnInactivity, ResolveOnSignalAndStale, ResolveOnSignalOrStale:
		return true
	}
	return false
}

const (
	DefaultActionKind      = "notify"
	DefaultStaleAfterHours = 16
	DefaultMaxAttempts     = 5
)

type ActionSpec struct {
	Kind     string `mapstructure:"kind" json:"kind"`
	Template string `mapstructure:"template" json:"template"`
}

type Policy struct {
	Key             string
	Thresholds      []float64
	Actions         map[int][]ActionSpec
	StaleAfterHours float64
	Resolution      Resolution
	MaxAttempts     int
}

// New sorts thresholds and fills defaults.
func New(key string, thresholds []float64) Policy {
	p := Policy{
		Key:             key,
		Thresholds:      append([]float64(nil), thresholds...),
		Actions:         map[int][]ActionSpec{},
		StaleAfterHours: DefaultStaleAfterHours,
		Resolution:      ResolveOnSignalAndStale,
		MaxAttempts:     DefaultMaxAttempts,
	}
	sort.Float64s(p.Thresholds)
	return p
}

func (p Policy) Validate() error {
	if p.Key == "" {
		return fmt.Errorf("policy: key is required")
	}
	for i, t := range p.Thresholds {
		if t < 0 {
			return fmt.Errorf("policy %s: threshold %v is negative", p.Key, t)
		}
		if i > 0 && t < p.Thresholds[i-1] {
			return fmt.Errorf("policy %s: thresholds must be ascending", p.Key)
		}
	}
	if !p.Resolution.Valid() {
		return fmt.Errorf("policy %s: unknown resolution mode %q", p.Key, p.Resolution)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("policy %s: max_attempts must be at least 1", p.Key)
	}
	if p.StaleAfterHours < 0 {
		return fmt.Errorf("policy %s: stale_after_hours must not be negative", p.Key)
	}
	for level := range p.Actions {
		if level < 1 || level > p.MaxLevel() {
			return fmt.Errorf("policy %s: actions defined for level %d outside 1..%d", p.Key, level, p.MaxLevel())
		}
	}
	return nil
}

// MaxLevel is N. A policy without thresholds still has one level, reached immediately.
func (p Policy) MaxLevel() int {
	if len(p.Thresholds) == 0 {
		return 1
	}
	return len(p.Thresholds)
}

// TargetLevel counts the thresholds at or below elapsed, capped at MaxLevel.
func (p Policy) TargetLevel(elapsedHours float64) int {
	if len(p.Thresholds) == 0 {
		return 1
	}
	n := sort.Search(len(p.Thresholds), func(i int) bool { return p.Thresholds[i] > elapsedHours })
	if n > p.MaxLevel() {
		n = p.MaxLevel()
	}
	return n
}

// ActionsFor returns the actions required at level, defaulting to a single notify.
func (p Policy) ActionsFor(level int) []ActionSpec {
	if specs, ok := p.Actions[level]; ok && len(specs) > 0 {
		out := make([]ActionSpec, 0, len(specs))
		for _, s := range specs {
			if s.Kind == "" {
				s.Kind = DefaultActionKind
			}
			if s.Template == "" {
				s.Template = p.templateKey(level)
			}
			out = append(out, s)
		}
		return out
	}
	return []ActionSpec{{Kind: DefaultActionKind, Template: p.templateKey(level)}}
}

func (p Policy) templateKey(level int) string {
	return fmt.Sprintf("%s.l%d", p.Key, level)
}

// ResolutionDue reports whether an open item should be closed now, and why.
func (p Policy) ResolutionDue(item models.TrackedItem, now time.Time, cal calendar.BusinessConfig) (bool, string) {
	if !item.Open() {
		return false, ""
	}
	signal := item.ResolveRequestedAt != nil
	stale := calendar.ElapsedBusinessHours(item.LastObservedAt, now, cal) >= p.StaleAfterHours

	switch p.Resolution {
	case ResolveOnSignal:
		if signal {
			return true, "signal"
		}
	case ResolveOnInactivity:
		if stale {
			return true, "inactivity"
		}
	case ResolveOnSignalOrStale:
		if signal {
			return true, "signal"
		}
		if stale {
			return true, "inactivity"
		}
	default:
		if signal && stale {
			return true, "signal_and_stale"
		}
	}
	return false, ""
}
