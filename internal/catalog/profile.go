package catalog

// Weights are the coefficients of the routing score:
//
//	score = capability*Capability - normCost*Cost + success*Success - normLatency*Latency
type Weights struct {
	Capability float64 `yaml:"capability"`
	Cost       float64 `yaml:"cost"`
	Success    float64 `yaml:"success"`
	Latency    float64 `yaml:"latency"`
}

// Profile is a named weighting policy plus per-stage generation settings.
type Profile struct {
	Name         string
	Weights      Weights
	Temperatures map[string]float64 // stage -> temperature
	Pinned       map[string]string  // stage -> model id that always ranks first
}

const defaultTemperature = 0.7

// Temperature returns the temperature for stage, or the default.
func (p Profile) Temperature(stage string) float64 {
	if t, ok := p.Temperatures[stage]; ok {
		return t
	}
	return defaultTemperature
}

// Built-in profile names.
const (
	ProfileSpeed    = "speed"
	ProfileBalanced = "balanced"
	ProfileElite    = "elite"
	ProfileCost     = "cost"
)

// stageTemperatures are the defaults shared by the built-in profiles.
func stageTemperatures() map[string]float64 {
	return map[string]float64{
		StageGenerate: 0.7,
		StageRefine:   0.5,
		StageValidate: 0.2,
		StageCurate:   0.3,
	}
}

// DefaultProfiles returns the built-in profiles. "speed" ignores capability
// and weighs latency hardest; "elite" weighs capability and success rate
// hardest.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		ProfileSpeed: {
			Name:         ProfileSpeed,
			Weights:      Weights{Capability: 0, Cost: 0.5, Success: 0.5, Latency: 1.0},
			Temperatures: stageTemperatures(),
		},
		ProfileBalanced: {
			Name:         ProfileBalanced,
			Weights:      Weights{Capability: 1.0, Cost: 0.5, Success: 1.0, Latency: 0.5},
			Temperatures: stageTemperatures(),
		},
		ProfileElite: {
			Name:         ProfileElite,
			Weights:      Weights{Capability: 2.0, Cost: 0.1, Success: 1.5, Latency: 0.1},
			Temperatures: stageTemperatures(),
		},
		ProfileCost: {
			Name:         ProfileCost,
			Weights:      Weights{Capability: 0.25, Cost: 2.0, Success: 0.5, Latency: 0.25},
			Temperatures: stageTemperatures(),
		},
	}
}
