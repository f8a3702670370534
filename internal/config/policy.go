package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SchedulePolicy describes when and in what mix content may be scheduled.
// Hours are local to each region's timezone and converted to UTC by the slot
// scheduler.
type SchedulePolicy struct {
	Timezones        map[string]string  `yaml:"timezones"`
	PeakHours        map[string][]int   `yaml:"peak_hours"`
	ContentMix       map[string]float64 `yaml:"content_mix"`
	MinGapHours      float64            `yaml:"min_gap_hours"`
	MaxGapHours      float64            `yaml:"max_gap_hours"`
	JitterMinMinutes int                `yaml:"jitter_min_minutes"`
	JitterMaxMinutes int                `yaml:"jitter_max_minutes"`
}

// DefaultSchedulePolicy returns the built-in peak-hour tables.
func DefaultSchedulePolicy() SchedulePolicy {
	return SchedulePolicy{
		Timezones: map[string]string{
			"US_EST": "America/New_York",
			"US_PST": "America/Los_Angeles",
			"UK_GMT": "Europe/London",
		},
		PeakHours: map[string][]int{
			"US_EST": {7, 12, 18, 20},
			"US_PST": {9, 14, 20, 22},
			"UK_GMT": {8, 13, 17, 21},
		},
		ContentMix: map[string]float64{
			"text":  0.60,
			"photo": 0.40,
		},
		MinGapHours:      2,
		MaxGapHours:      4,
		JitterMinMinutes: 5,
		JitterMaxMinutes: 25,
	}
}

// LoadSchedulePolicy reads a policy file, falling back to the defaults when
// no path is configured.
func LoadSchedulePolicy(path string) (SchedulePolicy, error) {
	if path == "" {
		return DefaultSchedulePolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SchedulePolicy{}, fmt.Errorf("read schedule policy: %w", err)
	}
	policy := DefaultSchedulePolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return SchedulePolicy{}, fmt.Errorf("parse schedule policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return SchedulePolicy{}, err
	}
	return policy, nil
}

// Validate rejects policies the slot scheduler cannot honor.
func (p SchedulePolicy) Validate() error {
	if len(p.PeakHours) == 0 {
		return fmt.Errorf("schedule policy: no peak hours defined")
	}
	for region := range p.PeakHours {
		if _, ok := p.Timezones[region]; !ok {
			return fmt.Errorf("schedule policy: region %q has no timezone", region)
		}
	}
	if p.MinGapHours <= 0 || p.MaxGapHours < p.MinGapHours {
		return fmt.Errorf("schedule policy: invalid gap band [%v, %v]", p.MinGapHours, p.MaxGapHours)
	}
	if p.JitterMinMinutes < 0 || p.JitterMaxMinutes < p.JitterMinMinutes {
		return fmt.Errorf("schedule policy: invalid jitter band [%d, %d]", p.JitterMinMinutes, p.JitterMaxMinutes)
	}
	var total float64
	for _, share := range p.ContentMix {
		if share < 0 {
			return fmt.Errorf("schedule policy: negative content-mix share")
		}
		total += share
	}
	if total == 0 {
		return fmt.Errorf("schedule policy: content mix sums to zero")
	}
	return nil
}
