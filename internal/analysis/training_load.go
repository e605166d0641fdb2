package analysis

import (
	"math"
	"sort"
	"time"

	"stravapower/internal/store"
)

// TrendModel selects how CTL/ATL evolve between activity days
type TrendModel string

const (
	// TrendDecay decays CTL and ATL across days without activities
	TrendDecay TrendModel = "decay"
	// TrendLinear applies the consecutive-day update regardless of gaps
	TrendLinear TrendModel = "linear"
)

// NPModel estimates normalized power for activities without a power meter.
// Inputs use stored units: mph, miles and meters.
type NPModel struct {
	Intercept  float64
	Speed      float64
	SpeedCubed float64
	Distance   float64
	Elevation  float64
}

// Estimate returns the regression estimate of normalized power
func (m NPModel) Estimate(avgSpeed, distance, elevationGain float64) float64 {
	return m.Intercept +
		m.Speed*avgSpeed +
		m.SpeedCubed*math.Pow(avgSpeed, 3) +
		m.Distance*distance +
		m.Elevation*elevationGain
}

// Params tunes the training load model
type Params struct {
	DefaultFTP   float64
	DefaultIF    float64 // used when NP or FTP is not positive
	CTLDays      float64 // fitness time constant
	ATLDays      float64 // fatigue time constant
	ATLDecayBase float64 // per-day ATL decay across gaps
	ATLDampening float64 // scales ATL increases
	Model        TrendModel
	NPModel      NPModel
}

// DefaultParams returns the standard 42/7 day model
func DefaultParams() Params {
	return Params{
		DefaultFTP:   DefaultFTP,
		DefaultIF:    0.75,
		CTLDays:      42,
		ATLDays:      7,
		ATLDecayBase: 0.9,
		ATLDampening: 0.7,
		Model:        TrendDecay,
		NPModel: NPModel{
			Intercept:  29.604638,
			Speed:      7.300535,
			SpeedCubed: -0.002229,
			Distance:   0.149428,
			Elevation:  0.050259,
		},
	}
}

// DailyLoad represents training load for a single day
type DailyLoad struct {
	Date               time.Time
	TSS                float64
	PowerTSS           float64 // TSS from activities with measured power
	AvgNormalizedPower float64 // highest measured NP of the day
	MaxDailyPower      float64
	PowerBalance       float64
	Activities         int

	CTL float64 // Chronic Training Load - "Fitness"
	ATL float64 // Acute Training Load - "Fatigue"
	TSB float64 // Training Stress Balance (CTL - ATL) - "Form"
}

// ActivityLoad is the stress contribution of one activity
type ActivityLoad struct {
	NormalizedPower float64 // measured or estimated
	Measured        bool
	IntensityFactor float64
	TSS             float64
}

// ActivityTSS scores one activity against the FTP in effect on its date.
// Activities without measured power use the NP regression estimate.
func ActivityTSS(a store.Activity, ftp float64, p Params) ActivityLoad {
	var l ActivityLoad
	if a.NormalizedPower != nil && *a.NormalizedPower > 0 {
		l.NormalizedPower = *a.NormalizedPower
		l.Measured = true
	} else {
		l.NormalizedPower = p.NPModel.Estimate(a.AverageSpeed, a.Distance, a.TotalElevationGain)
	}

	if l.NormalizedPower <= 0 || ftp <= 0 {
		l.IntensityFactor = p.DefaultIF
		return l
	}
	l.IntensityFactor = l.NormalizedPower / ftp
	hours := float64(a.MovingTime) / 3600
	l.TSS = round2(hours * l.NormalizedPower * l.IntensityFactor / ftp * 100)
	return l
}

// ComputeDailyLoads aggregates activity stress per UTC calendar day.
// Only days with at least one activity are returned, in date order.
func ComputeDailyLoads(activities []store.Activity, ftp FTPHistory, p Params) []DailyLoad {
	byDay := make(map[time.Time]*DailyLoad)

	for _, a := range activities {
		day := truncateDay(a.StartDate)
		l := ActivityTSS(a, ftp.At(day), p)

		var np, maxPower, powerTSS float64
		if l.Measured {
			np = l.NormalizedPower
			powerTSS = l.TSS
		}
		if a.MaxPower != nil {
			maxPower = *a.MaxPower
		}

		dl, ok := byDay[day]
		if !ok {
			dl = &DailyLoad{Date: day, PowerBalance: 1.0}
			byDay[day] = dl
		}
		dl.TSS += l.TSS
		dl.PowerTSS += powerTSS
		dl.AvgNormalizedPower = math.Max(dl.AvgNormalizedPower, np)
		dl.MaxDailyPower = math.Max(dl.MaxDailyPower, maxPower)
		dl.Activities++
	}

	loads := make([]DailyLoad, 0, len(byDay))
	for _, dl := range byDay {
		dl.TSS = round2(dl.TSS)
		dl.PowerTSS = round2(dl.PowerTSS)
		loads = append(loads, *dl)
	}
	sort.Slice(loads, func(i, j int) bool {
		return loads[i].Date.Before(loads[j].Date)
	})
	return loads
}

// CalculateFitnessTrend computes CTL/ATL/TSB for each day in loads.
// The input is not modified; the result is sorted by date.
func CalculateFitnessTrend(loads []DailyLoad, p Params) []DailyLoad {
	if len(loads) == 0 {
		return nil
	}

	out := make([]DailyLoad, len(loads))
	copy(out, loads)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date)
	})

	out[0].CTL = out[0].TSS / p.CTLDays
	out[0].ATL = out[0].TSS / p.ATLDays
	out[0].TSB = out[0].CTL - out[0].ATL

	for i := 1; i < len(out); i++ {
		prev, cur := &out[i-1], &out[i]
		gap := daysBetween(prev.Date, cur.Date)

		if gap <= 1 || p.Model == TrendLinear {
			cur.CTL = prev.CTL + (cur.TSS-prev.CTL)/p.CTLDays
			cur.ATL = prev.ATL + p.ATLDampening*(cur.TSS-prev.ATL)/p.ATLDays
		} else {
			decayed := prev.CTL * math.Exp(-float64(gap-1)/p.CTLDays)
			cur.CTL = decayed + (cur.TSS-decayed)/p.CTLDays

			d := math.Pow(p.ATLDecayBase, float64(gap))
			cur.ATL = prev.ATL*d + p.ATLDampening*cur.TSS*(1-d)/p.ATLDays
		}
		cur.TSB = cur.CTL - cur.ATL
	}
	return out
}

// FormDescription returns a human-readable description of TSB
func FormDescription(tsb float64) string {
	switch {
	case tsb > 25:
		return "Very fresh (possibly detrained)"
	case tsb > 10:
		return "Fresh and ready to race"
	case tsb > 0:
		return "Neutral - good for training"
	case tsb > -10:
		return "Slightly fatigued"
	case tsb > -25:
		return "Tired but building fitness"
	default:
		return "Very fatigued - rest needed"
	}
}

func daysBetween(a, b time.Time) int {
	return int(math.Round(truncateDay(b).Sub(truncateDay(a)).Hours() / 24))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
