package ratelimit

import (
	"math"
	"time"
)

// Factors scale nominal capacity. Each value is in (0,1].
type Factors struct {
	SystemLoad   float64 `json:"systemLoad"`
	ErrorRate    float64 `json:"errorRate"`
	ResponseTime float64 `json:"responseTime"`
}

// NeutralFactors leaves capacity untouched.
func NeutralFactors() Factors {
	return Factors{SystemLoad: 1, ErrorRate: 1, ResponseTime: 1}
}

// Product multiplies every dimension.
func (f Factors) Product() float64 {
	return f.SystemLoad * f.ErrorRate * f.ResponseTime
}

// Apply returns floor(capacity * product), never below one token.
func (f Factors) Apply(capacity int) int {
	effective := int(math.Floor(float64(capacity) * f.Product()))
	if effective < 1 {
		return 1
	}
	return effective
}

// FactorInputs are the system readings that drive factor recomputation.
type FactorInputs struct {
	CPUPercent      float64
	ErrorRate       float64 // fraction of failed requests, 0..1
	AvgResponseTime time.Duration
}

// ComputeFactors maps readings onto factors.
func ComputeFactors(in FactorInputs) Factors {
	return Factors{
		SystemLoad:   step(in.CPUPercent, 80, 60),
		ErrorRate:    step(in.ErrorRate, 0.1, 0.05),
		ResponseTime: step(float64(in.AvgResponseTime/time.Millisecond), 1000, 500),
	}
}

func step(v, high, medium float64) float64 {
	switch {
	case v > high:
		return 0.5
	case v > medium:
		return 0.75
	default:
		return 1.0
	}
}
