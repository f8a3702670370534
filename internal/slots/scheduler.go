// Package slots produces future publish timestamps with human-like
// randomization: peak-hour candidates per region, a randomized minimum gap,
// and minute-level jitter so absolute times never land on round boundaries.
package slots

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/config"
	"publication-pipeline/internal/models"
)

// Scheduler generates ScheduleSlots over a horizon from the configured
// policy. All output times are UTC.
type Scheduler struct {
	policy config.SchedulePolicy
	rng    *rand.Rand
	log    *logrus.Entry
}

func NewScheduler(policy config.SchedulePolicy, rng *rand.Rand, log *logrus.Entry) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{policy: policy, rng: rng, log: log}
}

type candidate struct {
	at       time.Time
	timezone string
}

// Generate builds up to max slots starting after now over the given horizon.
// Consecutive slots are separated by at least the policy's minimum gap even
// after jitter, because the gap filter runs on the jittered times.
func (s *Scheduler) Generate(now time.Time, horizonDays, max int) ([]models.ScheduleSlot, error) {
	if horizonDays <= 0 || max <= 0 {
		return nil, nil
	}

	candidates, err := s.candidates(now, horizonDays)
	if err != nil {
		return nil, err
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })

	minGap := time.Duration(s.policy.MinGapHours * float64(time.Hour))
	maxGap := time.Duration(s.policy.MaxGapHours * float64(time.Hour))

	var out []models.ScheduleSlot
	var last time.Time
	gap := s.randomGap(minGap, maxGap)
	for _, c := range candidates {
		if !last.IsZero() && c.at.Sub(last) < gap {
			continue
		}
		out = append(out, models.ScheduleSlot{
			ScheduledTime:  c.at,
			SourceTimezone: c.timezone,
			Priority:       5,
		})
		last = c.at
		gap = s.randomGap(minGap, maxGap)
		if len(out) == max {
			break
		}
	}

	s.assignMix(out)
	return out, nil
}

// candidates expands the peak-hour tables to jittered UTC timestamps.
// Regions are walked in sorted order so a seeded rng yields a reproducible
// schedule.
func (s *Scheduler) candidates(now time.Time, horizonDays int) ([]candidate, error) {
	var out []candidate
	start := now.UTC()

	regions := make([]string, 0, len(s.policy.PeakHours))
	for region := range s.policy.PeakHours {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	for _, region := range regions {
		hours := s.policy.PeakHours[region]
		tzName := s.policy.Timezones[region]
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("load timezone %s for region %s: %w", tzName, region, err)
		}
		localNow := start.In(loc)
		for day := 0; day < horizonDays; day++ {
			date := localNow.AddDate(0, 0, day)
			for _, hour := range hours {
				local := time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, loc)
				at := s.jitter(local.UTC())
				if !at.After(start) {
					continue
				}
				out = append(out, candidate{at: at, timezone: tzName})
			}
		}
	}
	return out, nil
}

// jitter shifts a slot by a random 5-25 minute offset in either direction
// plus sub-minute noise.
func (s *Scheduler) jitter(t time.Time) time.Time {
	span := s.policy.JitterMaxMinutes - s.policy.JitterMinMinutes
	minutes := s.policy.JitterMinMinutes
	if span > 0 {
		minutes += s.rng.Intn(span + 1)
	}
	if s.rng.Intn(2) == 0 {
		minutes = -minutes
	}
	return t.Add(time.Duration(minutes)*time.Minute + time.Duration(s.rng.Intn(60))*time.Second)
}

func (s *Scheduler) randomGap(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(s.rng.Int63n(int64(max-min)))
}

// assignMix labels slots with post types, holding the configured ratio over
// the whole batch rather than per day.
func (s *Scheduler) assignMix(slots []models.ScheduleSlot) {
	if len(slots) == 0 || len(s.policy.ContentMix) == 0 {
		return
	}

	types := make([]string, 0, len(s.policy.ContentMix))
	for t := range s.policy.ContentMix {
		types = append(types, t)
	}
	sort.Strings(types)

	var total float64
	for _, t := range types {
		total += s.policy.ContentMix[t]
	}

	// Largest-remainder assignment keeps the batch ratio exact.
	assigned := make(map[string]int, len(types))
	for i := range slots {
		best := types[0]
		bestDeficit := -1.0
		for _, t := range types {
			want := s.policy.ContentMix[t] / total * float64(i+1)
			deficit := want - float64(assigned[t])
			if deficit > bestDeficit {
				bestDeficit = deficit
				best = t
			}
		}
		slots[i].PostType = best
		assigned[best]++
	}
}
