// Package dnconfig loads the declarative pools/locations configuration
// a data node is started with: the fair-share pool tree shape and the
// location/medium table. It is a load-once config layer — no hot
// reload, the same v1 scope the teacher's internal/config.Store
// carries ("Config changes are not hot-reloaded in v1").
package dnconfig

import (
	"fmt"
	"log/slog"
	"time"

	"clusternode/internal/fairshare"
	"clusternode/internal/location"
)

// Document is the full declarative configuration loaded at startup.
type Document struct {
	Pools     []PoolConfig     `yaml:"pools"`
	Locations []LocationConfig `yaml:"locations"`
}

// PoolConfig is the on-disk form of one fairshare.PoolSpec. Durations
// are plain strings (e.g. "30s") parsed with time.ParseDuration rather
// than a custom yaml.Unmarshaler — this config is read once at startup,
// not often enough to earn a dedicated duration type.
type PoolConfig struct {
	Name   string `yaml:"name"`
	Parent string `yaml:"parent,omitempty"`

	Weight                 float64 `yaml:"weight"`
	StrongGuaranteeCPU     float64 `yaml:"strongGuaranteeCpu"`
	StrongGuaranteeMemory  float64 `yaml:"strongGuaranteeMemory"`
	MaxShareCPU            float64 `yaml:"maxShareCpu"`    // <= 0 means uncapped
	MaxShareMemory         float64 `yaml:"maxShareMemory"` // <= 0 means uncapped
	BurstRatio             float64 `yaml:"burstRatio"`
	FlowRatio              float64 `yaml:"flowRatio"`
	AllowRegularPreemption bool    `yaml:"allowRegularPreemption"`

	FairShareStarvationTolerance              float64 `yaml:"fairShareStarvationTolerance"`
	FairSharePreemptionTimeout                string  `yaml:"fairSharePreemptionTimeout"`
	FairShareAggressivePreemptionTimeout      string  `yaml:"fairShareAggressivePreemptionTimeout"`
	PreemptionSatisfactionThreshold           float64 `yaml:"preemptionSatisfactionThreshold"`
	AggressivePreemptionSatisfactionThreshold float64 `yaml:"aggressivePreemptionSatisfactionThreshold"`
}

// Spec converts p to the fairshare.PoolSpec fairshare.Manager.SetPool expects.
func (p PoolConfig) Spec() (fairshare.PoolSpec, error) {
	preemptionTimeout, err := parseDuration(p.FairSharePreemptionTimeout)
	if err != nil {
		return fairshare.PoolSpec{}, fmt.Errorf("pool %q: fairSharePreemptionTimeout: %w", p.Name, err)
	}
	aggressiveTimeout, err := parseDuration(p.FairShareAggressivePreemptionTimeout)
	if err != nil {
		return fairshare.PoolSpec{}, fmt.Errorf("pool %q: fairShareAggressivePreemptionTimeout: %w", p.Name, err)
	}

	maxShare := fairshare.Inf
	if p.MaxShareCPU > 0 {
		maxShare.CPU = p.MaxShareCPU
	}
	if p.MaxShareMemory > 0 {
		maxShare.Memory = p.MaxShareMemory
	}

	return fairshare.PoolSpec{
		Name:   p.Name,
		Parent: p.Parent,
		Config: fairshare.GuaranteeConfig{
			Weight:                 p.Weight,
			StrongGuarantee:        fairshare.Resources{CPU: p.StrongGuaranteeCPU, Memory: p.StrongGuaranteeMemory},
			MaxShare:               maxShare,
			BurstRatio:             p.BurstRatio,
			FlowRatio:              p.FlowRatio,
			AllowRegularPreemption: p.AllowRegularPreemption,

			FairShareStarvationTolerance:              p.FairShareStarvationTolerance,
			FairSharePreemptionTimeout:                preemptionTimeout,
			FairShareAggressivePreemptionTimeout:      aggressiveTimeout,
			PreemptionSatisfactionThreshold:           p.PreemptionSatisfactionThreshold,
			AggressivePreemptionSatisfactionThreshold: p.AggressivePreemptionSatisfactionThreshold,
		},
	}, nil
}

// LocationConfig is the on-disk form of one location.Config.
type LocationConfig struct {
	Dir          string `yaml:"dir"`
	Medium       string `yaml:"medium"`
	Type         string `yaml:"type"` // "store" or "cache"
	LowWatermark int64  `yaml:"lowWatermark"`
	Capacity     int64  `yaml:"capacity"`
}

// Spec converts l to a location.Config. logger and onDisabled are
// supplied by the caller since they aren't serializable configuration.
func (l LocationConfig) Spec(logger *slog.Logger, onDisabled location.DisabledFunc) (location.Config, error) {
	t, err := parseLocationType(l.Type)
	if err != nil {
		return location.Config{}, fmt.Errorf("location %q: %w", l.Dir, err)
	}
	return location.Config{
		Dir:          l.Dir,
		Medium:       l.Medium,
		Type:         t,
		LowWatermark: l.LowWatermark,
		Capacity:     l.Capacity,
		Logger:       logger,
		OnDisabled:   onDisabled,
	}, nil
}

func parseLocationType(s string) (location.Type, error) {
	switch s {
	case "", "store":
		return location.Store, nil
	case "cache":
		return location.Cache, nil
	default:
		return 0, fmt.Errorf("unknown location type %q (want \"store\" or \"cache\")", s)
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
