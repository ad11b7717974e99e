package web

import (
	"fmt"

	"github.com/DataDog/sketches-go/ddsketch"
)

// quantileAccuracy is the relative accuracy of the reported quantiles.
const quantileAccuracy = 0.01

type QuantileResponse struct {
	Channel string   `json:"channel"`
	Count   int      `json:"count"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	P50     *float64 `json:"p50,omitempty"`
	P90     *float64 `json:"p90,omitempty"`
	P99     *float64 `json:"p99,omitempty"`
}

// Quantiles summarizes samples with a DDSketch. An empty input yields only
// the channel name and a zero count.
func Quantiles(channel string, samples []int64) (QuantileResponse, error) {
	out := QuantileResponse{Channel: channel, Count: len(samples)}
	if len(samples) == 0 {
		return out, nil
	}
	sketch, err := ddsketch.NewDefaultDDSketch(quantileAccuracy)
	if err != nil {
		return out, fmt.Errorf("create sketch: %w", err)
	}
	lo, hi := samples[0], samples[0]
	for _, v := range samples {
		if err := sketch.Add(float64(v)); err != nil {
			return out, fmt.Errorf("add sample: %w", err)
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}

	minV, maxV := float64(lo), float64(hi)
	out.Min, out.Max = &minV, &maxV
	for _, q := range []struct {
		dst **float64
		q   float64
	}{{&out.P50, 0.50}, {&out.P90, 0.90}, {&out.P99, 0.99}} {
		v, err := sketch.GetValueAtQuantile(q.q)
		if err != nil {
			return out, fmt.Errorf("quantile %.2f: %w", q.q, err)
		}
		*q.dst = &v
	}
	return out, nil
}
