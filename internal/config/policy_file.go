package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/slawatch/backend/internal/policy"
)

type policyDefaults struct {
	Resolution      policy.Resolution
	StaleAfterHours float64
	MaxAttempts     int
}

type policyFile struct {
	DefaultPolicy string                 `mapstructure:"default_policy"`
	Policies      map[string]policyEntry `mapstructure:"policies"`
	Routes        []policy.Route         `mapstructure:"routes"`
}

type policyEntry struct {
	Thresholds      []float64                      `mapstructure:"thresholds"`
	StaleAfterHours *float64                       `mapstructure:"stale_after_hours"`
	Resolution      string                         `mapstructure:"resolution"`
	MaxAttempts     int                            `mapstructure:"max_attempts"`
	Actions         map[string][]policy.ActionSpec `mapstructure:"actions"`
}

// LoadPolicyFile reads a YAML (or JSON/TOML, by extension) policy table.
//
//	default_policy: standard
//	policies:
//	  standard:
//	    thresholds: [0, 24, 48, 72]
//	    resolution: signal_and_stale
//	    actions:
//	      "3": [{kind: notify}, {kind: page, template: standard.page}]
//	routes:
//	  - {source: tracker_b, kind: pr_stale, policy: review}
//
// Policy keys are case-insensitive and stored lower case.
func LoadPolicyFile(path string, defs policyDefaults) (*policy.Set, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read policy file %s: %w", path, err)
	}
	var raw policyFile
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("config: decode policy file %s: %w", path, err)
	}
	return raw.build(defs)
}

func (f policyFile) build(defs policyDefaults) (*policy.Set, error) {
	set := policy.NewSet(strings.ToLower(f.DefaultPolicy))
	for key, entry := range f.Policies {
		p := policy.New(key, entry.Thresholds)
		p.Resolution = defs.Resolution
		p.StaleAfterHours = defs.StaleAfterHours
		p.MaxAttempts = defs.MaxAttempts
		if entry.Resolution != "" {
			p.Resolution = policy.Resolution(entry.Resolution)
		}
		if entry.StaleAfterHours != nil {
			p.StaleAfterHours = *entry.StaleAfterHours
		}
		if entry.MaxAttempts > 0 {
			p.MaxAttempts = entry.MaxAttempts
		}
		for levelKey, specs := range entry.Actions {
			level, err := strconv.Atoi(levelKey)
			if err != nil {
				return nil, fmt.Errorf("config: policy %s: invalid level %q", key, levelKey)
			}
			p.Actions[level] = specs
		}
		set.Policies[key] = p
	}
	if set.Default == "" && len(set.Policies) == 1 {
		for key := range set.Policies {
			set.Default = key
		}
	}
	for _, r := range f.Routes {
		r.Policy = strings.ToLower(r.Policy)
		set.Routes = append(set.Routes, r)
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return set, nil
}
