package calibration

import "fmt"

// Params tunes well-grid detection
type Params struct {
	// Local contrast equalization applied before circle detection
	Equalize  bool    `json:"equalize" yaml:"equalize"`
	ClipLimit float64 `json:"clip_limit" yaml:"clip_limit"`
	TileSize  int     `json:"tile_size" yaml:"tile_size"`

	// Initial radius band as fractions of the shorter frame side:
	// minDim/MaxExpectedCircles .. minDim/MinExpectedCircles
	MinExpectedCircles float64 `json:"min_expected_circles" yaml:"min_expected_circles"`
	MaxExpectedCircles float64 `json:"max_expected_circles" yaml:"max_expected_circles"`

	// Coarse passes start strict and loosen param2 by SensitivityDecay
	// per pass down to MinCoarseParam2
	HoughDP          float64 `json:"hough_dp" yaml:"hough_dp"`
	CoarseParam1     float64 `json:"coarse_param1" yaml:"coarse_param1"`
	CoarseParam2     float64 `json:"coarse_param2" yaml:"coarse_param2"`
	MinCoarseParam2  float64 `json:"min_coarse_param2" yaml:"min_coarse_param2"`
	SensitivityDecay float64 `json:"sensitivity_decay" yaml:"sensitivity_decay"`

	MaxIterations        int     `json:"max_iterations" yaml:"max_iterations"`
	ConvergenceThreshold float64 `json:"convergence_threshold" yaml:"convergence_threshold"`
	// A pass whose mean radius grows by more than this fraction is discarded
	OscillationTolerance float64 `json:"oscillation_tolerance" yaml:"oscillation_tolerance"`

	// Band around the converged mean for the coarse passes and the final one
	CoarseBandLow  float64 `json:"coarse_band_low" yaml:"coarse_band_low"`
	CoarseBandHigh float64 `json:"coarse_band_high" yaml:"coarse_band_high"`
	FinalBandLow   float64 `json:"final_band_low" yaml:"final_band_low"`
	FinalBandHigh  float64 `json:"final_band_high" yaml:"final_band_high"`
	FinalParam1    float64 `json:"final_param1" yaml:"final_param1"`
	FinalParam2    float64 `json:"final_param2" yaml:"final_param2"`

	// RadiusSmoothing is the weight of the global mean radius when sizing
	// each well: half = (1-w)*r + w*mean
	RadiusSmoothing float64 `json:"radius_smoothing" yaml:"radius_smoothing"`
}

// DefaultParams returns the stock calibration tuning
func DefaultParams() Params {
	return Params{
		Equalize:  true,
		ClipLimit: 4,
		TileSize:  8,

		MinExpectedCircles: 12,
		MaxExpectedCircles: 192,

		HoughDP:          1,
		CoarseParam1:     40,
		CoarseParam2:     50,
		MinCoarseParam2:  35,
		SensitivityDecay: 0.95,

		MaxIterations:        100,
		ConvergenceThreshold: 0.0005,
		OscillationTolerance: 0.05,

		CoarseBandLow:  0.5,
		CoarseBandHigh: 1.5,
		FinalBandLow:   0.85,
		FinalBandHigh:  1.15,
		FinalParam1:    10,
		FinalParam2:    20,

		RadiusSmoothing: 0.75,
	}
}

// WithRadiusSmoothing returns a copy of p using weight w for the mean radius
func (p Params) WithRadiusSmoothing(w float64) Params {
	p.RadiusSmoothing = w
	return p
}

// WithoutEqualization returns a copy of p that skips contrast equalization
func (p Params) WithoutEqualization() Params {
	p.Equalize = false
	return p
}

// Validate rejects parameter combinations the detector cannot run with
func (p Params) Validate() error {
	switch {
	case p.Equalize && (p.ClipLimit <= 0 || p.TileSize <= 0):
		return fmt.Errorf("equalization needs a positive clip limit and tile size")
	case p.MinExpectedCircles <= 0 || p.MaxExpectedCircles <= p.MinExpectedCircles:
		return fmt.Errorf("expected circle counts must satisfy 0 < min < max, got %g..%g", p.MinExpectedCircles, p.MaxExpectedCircles)
	case p.HoughDP <= 0:
		return fmt.Errorf("hough dp must be positive")
	case p.CoarseParam1 <= 0 || p.CoarseParam2 <= 0 || p.FinalParam1 <= 0 || p.FinalParam2 <= 0:
		return fmt.Errorf("hough thresholds must be positive")
	case p.SensitivityDecay <= 0 || p.SensitivityDecay > 1:
		return fmt.Errorf("sensitivity decay must be in (0, 1], got %g", p.SensitivityDecay)
	case p.MaxIterations <= 0:
		return fmt.Errorf("max iterations must be positive")
	case p.CoarseBandLow <= 0 || p.CoarseBandHigh <= p.CoarseBandLow:
		return fmt.Errorf("coarse band must satisfy 0 < low < high")
	case p.FinalBandLow <= 0 || p.FinalBandHigh <= p.FinalBandLow:
		return fmt.Errorf("final band must satisfy 0 < low < high")
	case p.RadiusSmoothing < 0 || p.RadiusSmoothing > 1:
		return fmt.Errorf("radius smoothing must be in [0, 1], got %g", p.RadiusSmoothing)
	}
	return nil
}
