package adjust

import (
	"fmt"
	"strings"

	"github.com/MeKo-Tech/coloradjust/internal/colormatrix"
)

// Slider progress domains.
const (
	// SliderMax is the largest brightness/contrast progress value.
	SliderMax = 200
	// SliderNeutral is the brightness/contrast progress that leaves pixels unchanged.
	SliderNeutral = 100
	// SaturationMax is the largest saturation progress value (saturation 1.0).
	SaturationMax = 100
)

// Axis names one of the three sliders.
type Axis int

const (
	AxisNone Axis = iota
	AxisSaturation
	AxisBrightness
	AxisContrast
)

func (a Axis) String() string {
	switch a {
	case AxisSaturation:
		return "saturation"
	case AxisBrightness:
		return "brightness"
	case AxisContrast:
		return "contrast"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Axis) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. "none" decodes to AxisNone.
func (a *Axis) UnmarshalText(text []byte) error {
	if string(text) == "none" {
		*a = AxisNone
		return nil
	}
	parsed, err := ParseAxis(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAxis converts a slider name into an Axis.
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "saturation":
		return AxisSaturation, nil
	case "brightness":
		return AxisBrightness, nil
	case "contrast":
		return AxisContrast, nil
	}
	return AxisNone, fmt.Errorf("unknown axis %q", s)
}

// Mode selects how the three sliders combine into one matrix.
type Mode int

const (
	// ModeLastWins makes every slider replace the whole matrix; only the most
	// recently moved slider has any effect.
	ModeLastWins Mode = iota
	// ModeComposed applies saturation, then brightness, then contrast.
	ModeComposed
)

func (m Mode) String() string {
	if m == ModeComposed {
		return "composed"
	}
	return "last-wins"
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode converts a mode name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "last-wins", "lastwins":
		return ModeLastWins, nil
	case "composed":
		return ModeComposed, nil
	}
	return ModeLastWins, fmt.Errorf("unknown mode %q (want last-wins or composed)", s)
}

// State holds the three adjustment parameters of one editing session.
type State struct {
	// Saturation in [0, 1]; 1 leaves colors unchanged, 0 is grayscale.
	Saturation float64 `json:"saturation"`
	// Brightness is the adjusted slider value in [-100, 100].
	Brightness int `json:"brightness"`
	// Contrast is the adjusted slider value in [-100, 100].
	Contrast int `json:"contrast"`
	// Last is the axis that was set most recently.
	Last Axis `json:"last"`
}

// DefaultState returns the state of a fresh session.
func DefaultState() State {
	return State{Saturation: 1}
}

// Matrix derives the color matrix from s. It depends on nothing but s and mode.
func (s State) Matrix(mode Mode) colormatrix.Matrix {
	if mode == ModeComposed {
		return colormatrix.Saturation(s.Saturation).
			Concat(colormatrix.Brightness(float64(s.Brightness) / 100)).
			Concat(colormatrix.Contrast(float64(s.Contrast) / 100))
	}

	switch s.Last {
	case AxisSaturation:
		return colormatrix.Saturation(s.Saturation)
	case AxisBrightness:
		return colormatrix.Brightness(float64(s.Brightness) / 100)
	case AxisContrast:
		return colormatrix.Contrast(float64(s.Contrast) / 100)
	default:
		return colormatrix.Identity()
	}
}

// ClampProgress clamps a raw slider value into the domain of axis and
// reports whether clamping changed it.
func ClampProgress(axis Axis, raw int) (int, bool) {
	hi := SliderMax
	if axis == AxisSaturation {
		hi = SaturationMax
	}
	switch {
	case raw < 0:
		return 0, true
	case raw > hi:
		return hi, true
	}
	return raw, false
}
