package vrs

import (
	"fmt"
	"math"
)

// Settings are the runtime controls of a pipeline. Changes apply from the
// next Execute; a frame in flight keeps the snapshot it took at Gathering.
type Settings struct {
	// MaxError is the error budget per tile. The UI range is 0..2; larger
	// values are accepted.
	MaxError float64

	// UseReprojection enables temporal history. When false every tile is
	// treated as unseen.
	UseReprojection bool

	// PredictUnseen trusts predictions for tiles without history.
	PredictUnseen bool
}

// DefaultSettings returns budget 1 with reprojection enabled.
func DefaultSettings() Settings {
	return Settings{MaxError: 1, UseReprojection: true}
}

// Validate reports ErrInvalidBudget for a NaN or negative MaxError.
func (s Settings) Validate() error {
	if math.IsNaN(s.MaxError) || s.MaxError < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidBudget, s.MaxError)
	}
	return nil
}

// Settings returns the current settings.
func (p *Pipeline) Settings() Settings {
	return *p.settings.Load()
}

// SetSettings replaces all settings.
func (p *Pipeline) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.settingsMu.Lock()
	p.settings.Store(&s)
	p.settingsMu.Unlock()
	return nil
}

// SetMaxError changes the error budget.
func (p *Pipeline) SetMaxError(v float64) error {
	return p.update(func(s *Settings) { s.MaxError = v })
}

// SetUseReprojection toggles temporal history.
func (p *Pipeline) SetUseReprojection(enabled bool) {
	_ = p.update(func(s *Settings) { s.UseReprojection = enabled })
}

// SetPredictUnseen toggles trusting predictions for unseen tiles.
func (p *Pipeline) SetPredictUnseen(enabled bool) {
	_ = p.update(func(s *Settings) { s.PredictUnseen = enabled })
}

func (p *Pipeline) update(fn func(*Settings)) error {
	p.settingsMu.Lock()
	defer p.settingsMu.Unlock()
	s := *p.settings.Load()
	fn(&s)
	if err := s.Validate(); err != nil {
		return err
	}
	p.settings.Store(&s)
	return nil
}
