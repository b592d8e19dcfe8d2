package session

import (
	"math"
	"sync"

	"github.com/penginpenguin/cocrea/internal/config"
)

// Temperature bounds.
const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
)

// Settings are the values shared by every session of a registry.
type Settings struct {
	mu           sync.RWMutex
	systemPrompt string
	temperature  float64
}

// NewSettings returns shared settings with the temperature normalized.
func NewSettings(systemPrompt string, temperature float64) *Settings {
	return &Settings{
		systemPrompt: systemPrompt,
		temperature:  NormalizeTemperature(temperature),
	}
}

// NormalizeTemperature maps non-finite input to config.DefaultTemperature and
// clamps everything else to [MinTemperature, MaxTemperature].
func NormalizeTemperature(t float64) float64 {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return config.DefaultTemperature
	}
	return math.Max(MinTemperature, math.Min(MaxTemperature, t))
}

// SystemPrompt returns the current system prompt.
func (s *Settings) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemPrompt
}

// Temperature returns the current sampling temperature.
func (s *Settings) Temperature() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.temperature
}

func (s *Settings) setSystemPrompt(p string) {
	s.mu.Lock()
	s.systemPrompt = p
	s.mu.Unlock()
}

func (s *Settings) setTemperature(t float64) float64 {
	t = NormalizeTemperature(t)
	s.mu.Lock()
	s.temperature = t
	s.mu.Unlock()
	return t
}
