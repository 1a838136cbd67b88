package capture

import (
	"time"

	"nightstack/internal/source"
)

// Schedule produces the bracketed exposure steps of a run. Each step takes
// one frame per ISO; the exposure bias rotates across frames and carries on
// from step to step.
type Schedule struct {
	iso      []float64
	bias     []float64
	exposure time.Duration

	step int
	next int // bias rotation position
}

// NewSchedule builds a schedule. An empty iso list yields one frame per step.
func NewSchedule(iso, bias []float64, exposure time.Duration) *Schedule {
	if len(iso) == 0 {
		iso = []float64{0}
	}
	if len(bias) == 0 {
		bias = []float64{0}
	}
	return &Schedule{
		iso:      append([]float64(nil), iso...),
		bias:     append([]float64(nil), bias...),
		exposure: exposure,
	}
}

// Reset rewinds the schedule to its first step.
func (s *Schedule) Reset() {
	s.step = 0
	s.next = 0
}

// Next returns the next exposure step.
func (s *Schedule) Next() source.Request {
	req := source.Request{Index: s.step, Brackets: make([]source.Bracket, len(s.iso))}
	for i, iso := range s.iso {
		req.Brackets[i] = source.Bracket{
			ISO:      iso,
			Bias:     s.bias[s.next%len(s.bias)],
			Exposure: s.exposure,
		}
		s.next++
	}
	s.step++
	return req
}
