package supervisor

import (
	"github.com/parcelview/gateway/internal/admission"
	"github.com/shirou/gopsutil/v3/mem"
)

// PressureLevel classifies measured memory pressure. The limit policy is a
// pure function of the level, so it can be tested without measuring anything.
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureElevated
	PressureHigh
	PressureCritical
)

func (p PressureLevel) String() string {
	switch p {
	case PressureNone:
		return "none"
	case PressureElevated:
		return "elevated"
	case PressureHigh:
		return "high"
	default:
		return "critical"
	}
}

// PressureThresholds maps memory used-percent to a level. Zero values take
// defaults.
type PressureThresholds struct {
	Elevated float64 // default: 70
	High     float64 // default: 85
	Critical float64 // default: 95
}

func (t PressureThresholds) withDefaults() PressureThresholds {
	if t.Elevated == 0 {
		t.Elevated = 70
	}
	if t.High == 0 {
		t.High = 85
	}
	if t.Critical == 0 {
		t.Critical = 95
	}
	return t
}

// LevelFor maps a memory used-percent reading to a pressure level.
func (t PressureThresholds) LevelFor(usedPercent float64) PressureLevel {
	t = t.withDefaults()
	switch {
	case usedPercent >= t.Critical:
		return PressureCritical
	case usedPercent >= t.High:
		return PressureHigh
	case usedPercent >= t.Elevated:
		return PressureElevated
	default:
		return PressureNone
	}
}

// Sampler measures current memory pressure. The supervisor takes it as a
// function so tests can substitute canned readings.
type Sampler func() (PressureLevel, float64, error)

// SystemSampler reads host memory via gopsutil.
func SystemSampler(thresholds PressureThresholds) Sampler {
	return func() (PressureLevel, float64, error) {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return PressureNone, 0, err
		}
		return thresholds.LevelFor(vm.UsedPercent), vm.UsedPercent, nil
	}
}

// LimitsForPressure computes the admission envelope in force at a pressure
// level from the configured base limits. Pure function: the supervisor applies
// the result, the policy itself touches nothing.
//
// none keeps the base envelope. elevated trims the ceiling and admission rate
// to 75%. high halves them and halves the per-origin cap. critical cuts the
// ceiling to 25% and admits almost nothing new.
func LimitsForPressure(level PressureLevel, base admission.Limits) admission.Limits {
	scale := func(n int, pct float64) int {
		scaled := int(float64(n) * pct)
		if scaled < 1 {
			scaled = 1
		}
		return scaled
	}

	out := base
	switch level {
	case PressureElevated:
		out.MaxConnections = scale(base.MaxConnections, 0.75)
		out.GlobalRate = base.GlobalRate * 0.75
		out.GlobalBurst = scale(base.GlobalBurst, 0.75)
	case PressureHigh:
		out.MaxConnections = scale(base.MaxConnections, 0.50)
		out.MaxPerOrigin = scale(base.MaxPerOrigin, 0.50)
		out.GlobalRate = base.GlobalRate * 0.50
		out.GlobalBurst = scale(base.GlobalBurst, 0.50)
	case PressureCritical:
		out.MaxConnections = scale(base.MaxConnections, 0.25)
		out.MaxPerOrigin = scale(base.MaxPerOrigin, 0.25)
		out.MaxPerUser = scale(base.MaxPerUser, 0.50)
		out.AdmissionsPerWindow = scale(base.AdmissionsPerWindow, 0.25)
		out.GlobalRate = base.GlobalRate * 0.10
		out.GlobalBurst = scale(base.GlobalBurst, 0.10)
	}
	return out
}
