package analysis

import (
	"fmt"
	"math"

	"stravapower/internal/errs"
)

// Best-effort windows in seconds
const (
	Window10m = 600
	Window20m = 1200
	Window30m = 1800
	Window45m = 2700
	Window60m = 3600

	// NPWindow is the rolling window used for normalized power
	NPWindow = 30
)

// IntervalWindows are the best-effort windows reported for every activity
var IntervalWindows = []int{Window10m, Window20m, Window30m, Window45m, Window60m}

// PowerMetrics is the power profile of one activity
type PowerMetrics struct {
	Best10m         float64
	Best20m         float64
	Best30m         float64
	Best45m         float64
	Best60m         float64
	MaxPower        float64
	NormalizedPower float64
	AveragePower    float64
	Samples         int // valid samples after filtering
}

// ComputePowerMetrics derives interval bests, max power and normalized power
// from aligned power and time series. A pair is dropped when its power is
// negative or non-finite, or when its time is negative, non-finite or earlier
// than the last kept time.
func ComputePowerMetrics(power, times []float64) (*PowerMetrics, error) {
	const op = "compute power metrics"

	if len(power) == 0 || len(times) == 0 {
		return nil, errs.Errorf(errs.KindValidation, op, "empty power or time series")
	}
	if len(power) != len(times) {
		return nil, errs.Errorf(errs.KindValidation, op, "power has %d samples but time has %d", len(power), len(times))
	}

	p := make([]float64, 0, len(power))
	t := make([]float64, 0, len(times))
	for i, w := range power {
		if !validSample(w) || !validSample(times[i]) {
			continue
		}
		if len(t) > 0 && times[i] < t[len(t)-1] {
			continue
		}
		p = append(p, w)
		t = append(t, times[i])
	}
	if len(p) == 0 {
		return nil, errs.E(errs.KindValidation, op, fmt.Errorf("no valid power samples in %d", len(power)))
	}

	m := &PowerMetrics{
		Best10m:         bestInterval(p, t, Window10m),
		Best20m:         bestInterval(p, t, Window20m),
		Best30m:         bestInterval(p, t, Window30m),
		Best45m:         bestInterval(p, t, Window45m),
		Best60m:         bestInterval(p, t, Window60m),
		MaxPower:        maxOf(p),
		NormalizedPower: NormalizedPower(p, t),
		AveragePower:    mean(p),
		Samples:         len(p),
	}
	return m, nil
}

// RollingAverage returns, for each sample i, the mean power of the samples
// j >= i with t[j]-t[i] < window. The run for i stops at the first sample
// outside the window. Fewer than two samples yield [0].
func RollingAverage(power, times []float64, window float64) []float64 {
	n := len(power)
	if n < 2 || len(times) != n {
		return []float64{0}
	}

	prefix := make([]float64, n+1)
	for i, w := range power {
		prefix[i+1] = prefix[i] + w
	}

	// the end pointer only carries over while time never goes backwards
	monotonic := true
	for i := 1; i < n; i++ {
		if times[i] < times[i-1] {
			monotonic = false
			break
		}
	}

	out := make([]float64, 0, n)
	end := 0
	for i := 0; i < n; i++ {
		if end < i || !monotonic {
			end = i
		}
		for end < n && times[end]-times[i] < window {
			end++
		}
		if end > i {
			out = append(out, (prefix[end]-prefix[i])/float64(end-i))
		}
	}
	if len(out) == 0 {
		return []float64{0}
	}
	return out
}

// NormalizedPower is the fourth root of the mean fourth power of the 30s
// rolling average. Fewer than 30 samples yield 0.
func NormalizedPower(power, times []float64) float64 {
	if len(power) < NPWindow {
		return 0
	}
	rolling := RollingAverage(power, times, NPWindow)

	var sum float64
	for _, avg := range rolling {
		sum += math.Pow(avg, 4)
	}
	return math.Pow(sum/float64(len(rolling)), 0.25)
}

// IntensityFactor is NP relative to FTP, 0 when FTP is not positive
func IntensityFactor(np, ftp float64) float64 {
	if ftp <= 0 {
		return 0
	}
	return np / ftp
}

// VariabilityIndex is NP relative to average power, 1.0 when the average is 0
func VariabilityIndex(np, avg float64) float64 {
	if avg == 0 {
		return 1.0
	}
	return np / avg
}

// bestInterval needs at least as many samples as window seconds
func bestInterval(power, times []float64, window int) float64 {
	if len(power) < window {
		return 0
	}
	return maxOf(RollingAverage(power, times, float64(window)))
}

func validSample(x float64) bool {
	return x >= 0 && !math.IsNaN(x) && !math.IsInf(x, 0)
}

func maxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
