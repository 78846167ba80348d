package policy

import (
	"fmt"
	"sort"

	"github.com/slawatch/backend/internal/models"
)

// Route maps an event to a policy. Empty fields match anything.
type Route struct {
	Source      models.Source    `mapstructure:"source" json:"source,omitempty"`
	Kind        models.EventKind `mapstructure:"kind" json:"kind,omitempty"`
	SubjectKind string           `mapstructure:"subject_kind" json:"subject_kind,omitempty"`
	Policy      string           `mapstructure:"policy" json:"policy"`
}

func (r Route) matches(ev models.RawEvent) bool {
	if r.Source != "" && r.Source != ev.Source {
		return false
	}
	if r.Kind != "" && r.Kind != ev.Kind {
		return false
	}
	if r.SubjectKind != "" && r.SubjectKind != ev.SubjectKind {
		return false
	}
	return true
}

// Set is the loaded policy table. Routes are checked in order; the first match wins.
type Set struct {
	Policies map[string]Policy
	Routes   []Route
	Default  string
}

func NewSet(defaultKey string, policies ...Policy) *Set {
	s := &Set{Policies: map[string]Policy{}, Default: defaultKey}
	for _, p := range policies {
		s.Policies[p.Key] = p
	}
	return s
}

func (s *Set) Validate() error {
	if len(s.Policies) == 0 {
		return fmt.Errorf("policy: at least one policy is required")
	}
	if _, ok := s.Policies[s.Default]; !ok {
		return fmt.Errorf("policy: default policy %q is not defined", s.Default)
	}
	for key, p := range s.Policies {
		if key != p.Key {
			return fmt.Errorf("policy: key mismatch %q != %q", key, p.Key)
		}
		if err := p.Validate(); err != nil {
			return err
		}
	}
	for i, r := range s.Routes {
		if _, ok := s.Policies[r.Policy]; !ok {
			return fmt.Errorf("policy: route %d references unknown policy %q", i, r.Policy)
		}
		if r.Source != "" && !r.Source.Valid() {
			return fmt.Errorf("policy: route %d has unknown source %q", i, r.Source)
		}
		if r.Kind != "" && !r.Kind.Valid() {
			return fmt.Errorf("policy: route %d has unknown kind %q", i, r.Kind)
		}
	}
	return nil
}

// Lookup returns the policy key for a new item created from ev.
func (s *Set) Lookup(ev models.RawEvent) string {
	for _, r := range s.Routes {
		if r.matches(ev) {
			return r.Policy
		}
	}
	return s.Default
}

// Get resolves a stored policy key. Keys removed from configuration fall back to the default.
func (s *Set) Get(key string) (Policy, bool) {
	if p, ok := s.Policies[key]; ok {
		return p, true
	}
	return s.Policies[s.Default], false
}

// Keys lists the configured policy keys in sorted order.
func (s *Set) Keys() []string {
	keys := make([]string, 0, len(s.Policies))
	for k := range s.Policies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
