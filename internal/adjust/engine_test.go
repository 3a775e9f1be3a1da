package adjust

import (
	"encoding/json"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/MeKo-Tech/coloradjust/internal/colormatrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// patternImage fills a w x h image with a deterministic spread of colors.
func patternImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8((x*37 + y*11) % 256),
				G: uint8((x*7 + y*53) % 256),
				B: uint8((x*91 + y*3) % 256),
				A: uint8(255 - (x+y)%64),
			})
		}
	}
	return img
}

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func newSerialEngine() *Engine {
	return NewEngine(Config{Workers: 1})
}

func TestNewEngineStartsAtIdentity(t *testing.T) {
	e := newSerialEngine()

	assert.Equal(t, DefaultState(), e.State())
	assert.True(t, e.Matrix().IsIdentity())
	assert.Equal(t, ModeLastWins, e.Mode())
}

func TestApplyIdentity(t *testing.T) {
	e := newSerialEngine()
	e.SetSaturation(1)

	src := patternImage(17, 9)
	out, err := e.Apply(src)
	require.NoError(t, err)

	assert.Equal(t, src.Rect, out.Rect)
	assert.Equal(t, src.Pix, out.Pix)
}

func TestApplyGrayscale(t *testing.T) {
	e := newSerialEngine()
	e.SetSaturation(0)

	src := patternImage(13, 11)
	out, err := e.Apply(src)
	require.NoError(t, err)

	for y := 0; y < 11; y++ {
		for x := 0; x < 13; x++ {
			in := src.NRGBAAt(x, y)
			got := out.NRGBAAt(x, y)

			want := uint8((213*int(in.R) + 715*int(in.G) + 72*int(in.B) + 500) / 1000)

			require.Equal(t, got.R, got.G, "pixel (%d,%d)", x, y)
			require.Equal(t, got.G, got.B, "pixel (%d,%d)", x, y)
			require.Equal(t, want, got.R, "pixel (%d,%d)", x, y)
			require.Equal(t, in.A, got.A, "alpha at (%d,%d)", x, y)
		}
	}
}

func TestApplyGrayscaleScenario(t *testing.T) {
	e := newSerialEngine()
	e.SetSaturation(0)

	src := solidImage(1, 1, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	out, err := e.Apply(src)
	require.NoError(t, err)

	assert.Equal(t, color.NRGBA{R: 118, G: 118, B: 118, A: 255}, out.NRGBAAt(0, 0))
}

func TestBrightnessBounds(t *testing.T) {
	src := patternImage(8, 8)

	t.Run("neutral", func(t *testing.T) {
		e := newSerialEngine()
		e.SetBrightness(SliderNeutral)
		assert.Equal(t, 0, e.State().Brightness)

		out, err := e.Apply(src)
		require.NoError(t, err)
		assert.Equal(t, src.Pix, out.Pix)
	})

	t.Run("minimum", func(t *testing.T) {
		e := newSerialEngine()
		e.SetBrightness(0)
		assert.Equal(t, -100, e.State().Brightness)

		for row := 0; row < 3; row++ {
			assert.Equal(t, float32(-255), e.Matrix().At(row, 4))
		}

		out, err := e.Apply(src)
		require.NoError(t, err)
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				got := out.NRGBAAt(x, y)
				assert.Equal(t, color.NRGBA{A: src.NRGBAAt(x, y).A}, got)
			}
		}
	})

	t.Run("partial offset", func(t *testing.T) {
		e := newSerialEngine()
		e.SetBrightness(80) // -20 -> -51

		out, err := e.Apply(solidImage(1, 1, color.NRGBA{R: 100, G: 30, B: 255, A: 7}))
		require.NoError(t, err)
		assert.Equal(t, color.NRGBA{R: 49, G: 0, B: 204, A: 7}, out.NRGBAAt(0, 0))
	})
}

func TestContrastNeutralPoint(t *testing.T) {
	e := newSerialEngine()
	e.SetContrast(SliderNeutral)

	src := patternImage(10, 6)
	out, err := e.Apply(src)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, out.Pix)
}

func TestContrastShiftsWithoutScaling(t *testing.T) {
	e := newSerialEngine()
	e.SetContrast(0) // scalar -1 -> offset +127.5

	out, err := e.Apply(solidImage(1, 1, color.NRGBA{R: 0, G: 100, B: 200, A: 90}))
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 128, G: 228, B: 255, A: 90}, out.NRGBAAt(0, 0))

	e.SetContrast(SliderMax) // scalar 1 -> offset -127.5
	out, err = e.Apply(solidImage(1, 1, color.NRGBA{R: 0, G: 100, B: 200, A: 90}))
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 0, G: 0, B: 73, A: 90}, out.NRGBAAt(0, 0))
}

func TestOutOfRangeIsClamped(t *testing.T) {
	e := newSerialEngine()

	e.SetBrightness(-50)
	assert.Equal(t, -100, e.State().Brightness)
	e.SetBrightness(999)
	assert.Equal(t, 100, e.State().Brightness)

	e.SetContrast(-1)
	assert.Equal(t, -100, e.State().Contrast)
	e.SetContrast(201)
	assert.Equal(t, 100, e.State().Contrast)

	e.SetSaturation(1.5)
	assert.Equal(t, 1.0, e.State().Saturation)
	e.SetSaturation(-0.5)
	assert.Equal(t, 0.0, e.State().Saturation)
	e.SetSaturation(math.NaN())
	assert.Equal(t, 0.0, e.State().Saturation)

	e.SetSaturationProgress(250)
	assert.Equal(t, 1.0, e.State().Saturation)
	e.SetSaturationProgress(40)
	assert.InDelta(t, 0.4, e.State().Saturation, 1e-12)
}

func TestClampProgress(t *testing.T) {
	tests := []struct {
		axis    Axis
		raw     int
		want    int
		clamped bool
	}{
		{AxisBrightness, 150, 150, false},
		{AxisBrightness, -3, 0, true},
		{AxisContrast, 201, 200, true},
		{AxisSaturation, 100, 100, false},
		{AxisSaturation, 101, 100, true},
	}

	for _, tt := range tests {
		got, clamped := ClampProgress(tt.axis, tt.raw)
		assert.Equal(t, tt.want, got, "%s %d", tt.axis, tt.raw)
		assert.Equal(t, tt.clamped, clamped, "%s %d", tt.axis, tt.raw)
	}
}

func TestClampingNeverWraps(t *testing.T) {
	e := newSerialEngine()
	src := solidImage(2, 1, color.NRGBA{R: 250, G: 5, B: 128, A: 255})

	e.SetBrightness(SliderMax)
	out, err := e.Apply(src)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, out.NRGBAAt(1, 0))

	e.SetBrightness(0)
	out, err = e.Apply(src)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 0, G: 0, B: 0, A: 255}, out.NRGBAAt(1, 0))
}

func TestRecomputeIsIdempotent(t *testing.T) {
	src := patternImage(9, 9)
	e := newSerialEngine()

	setters := map[string]func(){
		"saturation": func() { e.SetSaturation(0.37) },
		"brightness": func() { e.SetBrightness(133) },
		"contrast":   func() { e.SetContrast(61) },
	}

	for name, set := range setters {
		t.Run(name, func(t *testing.T) {
			set()
			m1 := e.Matrix()
			out1, err := e.Apply(src)
			require.NoError(t, err)

			set()
			m2 := e.Matrix()
			out2, err := e.Apply(src)
			require.NoError(t, err)

			assert.Equal(t, m1, m2)
			assert.Equal(t, out1.Pix, out2.Pix)
		})
	}
}

func TestLastSliderWins(t *testing.T) {
	e := newSerialEngine()

	e.SetSaturation(0)
	e.SetBrightness(150)
	assert.Equal(t, colormatrix.Brightness(0.5), e.Matrix())

	e.SetContrast(SliderNeutral)
	assert.True(t, e.Matrix().IsIdentity(), "neutral contrast discards earlier sliders")

	e.SetSaturation(0.5)
	assert.Equal(t, colormatrix.Saturation(0.5), e.Matrix())

	// Every parameter is still recorded.
	assert.Equal(t, State{Saturation: 0.5, Brightness: 50, Contrast: 0, Last: AxisSaturation}, e.State())
}

func TestComposedMode(t *testing.T) {
	e := NewEngine(Config{Mode: ModeComposed, Workers: 1})
	assert.True(t, e.Matrix().IsIdentity())

	e.SetSaturation(0)
	e.SetBrightness(110) // +25.5

	out, err := e.Apply(solidImage(1, 1, color.NRGBA{R: 200, G: 100, B: 50, A: 255}))
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 143, G: 143, B: 143, A: 255}, out.NRGBAAt(0, 0))

	e.SetContrast(SliderNeutral)
	assert.Equal(t, e.State().Matrix(ModeComposed), e.Matrix())
	assert.False(t, e.Matrix().IsIdentity(), "composed mode keeps earlier sliders")
}

func TestResetRestoresDefaults(t *testing.T) {
	e := newSerialEngine()
	e.SetContrast(10)
	e.Reset()

	assert.Equal(t, DefaultState(), e.State())
	assert.True(t, e.Matrix().IsIdentity())
}

func TestSetDispatch(t *testing.T) {
	e := newSerialEngine()

	require.NoError(t, e.Set(AxisBrightness, 120))
	assert.Equal(t, 20, e.State().Brightness)

	require.NoError(t, e.Set(AxisContrast, 90))
	assert.Equal(t, -10, e.State().Contrast)

	require.NoError(t, e.Set(AxisSaturation, 25))
	assert.InDelta(t, 0.25, e.State().Saturation, 1e-12)

	assert.Error(t, e.Set(AxisNone, 10))
}

func TestApplyInvalidInput(t *testing.T) {
	e := newSerialEngine()

	tests := []struct {
		name string
		src  *image.NRGBA
	}{
		{"nil", nil},
		{"zero width", image.NewNRGBA(image.Rect(0, 0, 0, 4))},
		{"zero height", image.NewNRGBA(image.Rect(0, 0, 4, 0))},
		{"short pix", &image.NRGBA{Pix: make([]uint8, 8), Stride: 16, Rect: image.Rect(0, 0, 4, 4)}},
		{"short stride", &image.NRGBA{Pix: make([]uint8, 64), Stride: 4, Rect: image.Rect(0, 0, 4, 4)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Apply(tt.src)
			require.ErrorIs(t, err, ErrInvalidInput)
			assert.Nil(t, out)
		})
	}
}

func TestApplyIntoInvalidInputLeavesDestination(t *testing.T) {
	e := newSerialEngine()
	e.SetSaturation(0)

	dst := solidImage(2, 2, color.NRGBA{R: 1, G: 2, B: 3, A: 4})
	before := append([]uint8(nil), dst.Pix...)

	_, err := e.ApplyInto(dst, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, before, dst.Pix)
}

func TestApplyIntoReusesMatchingBuffer(t *testing.T) {
	e := newSerialEngine()
	e.SetSaturation(0)

	src := patternImage(6, 4)
	dst := image.NewNRGBA(src.Rect)

	out, err := e.ApplyInto(dst, src)
	require.NoError(t, err)
	assert.Same(t, dst, out)

	want, err := e.Apply(src)
	require.NoError(t, err)
	assert.Equal(t, want.Pix, out.Pix)
}

func TestApplyIntoReallocatesMismatchedBuffer(t *testing.T) {
	e := newSerialEngine()
	src := patternImage(6, 4)
	small := image.NewNRGBA(image.Rect(0, 0, 3, 2))

	out, err := e.ApplyInto(small, src)
	require.NoError(t, err)
	assert.NotSame(t, small, out)
	assert.Equal(t, src.Rect, out.Rect)
	assert.Equal(t, src.Pix, out.Pix)
}

func TestApplyIntoNeverOverwritesSource(t *testing.T) {
	e := newSerialEngine()
	e.SetBrightness(0)

	src := patternImage(4, 4)
	before := append([]uint8(nil), src.Pix...)

	out, err := e.ApplyInto(src, src)
	require.NoError(t, err)
	assert.NotSame(t, src, out)
	assert.Equal(t, before, src.Pix)
}

func TestApplyPreservesDimensions(t *testing.T) {
	e := newSerialEngine()
	e.SetContrast(170)

	for _, r := range []image.Rectangle{
		image.Rect(0, 0, 1, 1),
		image.Rect(0, 0, 31, 2),
		image.Rect(0, 0, 2, 31),
		image.Rect(5, 7, 12, 20),
	} {
		src := image.NewNRGBA(r)
		out, err := e.Apply(src)
		require.NoError(t, err)
		assert.Equal(t, r.Dx(), out.Rect.Dx())
		assert.Equal(t, r.Dy(), out.Rect.Dy())
	}
}

func TestApplySubImage(t *testing.T) {
	e := newSerialEngine()
	e.SetSaturation(0)

	full := patternImage(10, 10)
	sub := full.SubImage(image.Rect(2, 3, 7, 8)).(*image.NRGBA)

	out, err := e.Apply(sub)
	require.NoError(t, err)
	require.Equal(t, sub.Rect, out.Rect)

	m := e.Matrix()
	for y := 3; y < 8; y++ {
		for x := 2; x < 7; x++ {
			assert.Equal(t, m.Transform(full.NRGBAAt(x, y)), out.NRGBAAt(x, y))
		}
	}
}

func TestApplyIntoSharedPixAllocates(t *testing.T) {
	e := newSerialEngine()
	e.SetSaturation(0)

	src := patternImage(6, 5)
	orig := append([]uint8(nil), src.Pix...)

	alias := src.SubImage(src.Rect).(*image.NRGBA)
	out, err := e.ApplyInto(alias, src)
	require.NoError(t, err)

	assert.NotSame(t, alias, out)
	assert.Equal(t, orig, src.Pix, "source must not be written through an alias")
}

func TestRenderLeavesStateUntouched(t *testing.T) {
	e := newSerialEngine()
	e.SetBrightness(150)
	before := e.State()

	src := solidImage(2, 2, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	out, err := e.Render(nil, src, colormatrix.Identity())
	require.NoError(t, err)
	assert.Equal(t, src.Pix, out.Pix)
	assert.Equal(t, before, e.State())

	_, err = e.Render(nil, nil, colormatrix.Identity())
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, before, e.State())
}

func TestParallelMatchesSerial(t *testing.T) {
	src := patternImage(64, 67)

	serial := NewEngine(Config{Workers: 1})
	parallel := NewEngine(Config{Workers: 4, ParallelThreshold: 1})

	for _, raw := range []int{0, 37, 100, 163, 200} {
		serial.SetContrast(raw)
		parallel.SetContrast(raw)

		want, err := serial.Apply(src)
		require.NoError(t, err)
		got, err := parallel.Apply(src)
		require.NoError(t, err)

		assert.Equal(t, want.Pix, got.Pix, "contrast %d", raw)
	}
}

func TestParseAxisAndMode(t *testing.T) {
	axis, err := ParseAxis(" Contrast ")
	require.NoError(t, err)
	assert.Equal(t, AxisContrast, axis)

	_, err = ParseAxis("hue")
	assert.Error(t, err)

	mode, err := ParseMode("composed")
	require.NoError(t, err)
	assert.Equal(t, ModeComposed, mode)

	mode, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeLastWins, mode)

	_, err = ParseMode("blend")
	assert.Error(t, err)
}

func TestStateJSONRoundTrip(t *testing.T) {
	in := State{Saturation: 0.25, Brightness: -10, Contrast: 40, Last: AxisContrast}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"saturation":0.25,"brightness":-10,"contrast":40,"last":"contrast"}`, string(data))

	var out State
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	var m Mode
	require.NoError(t, m.UnmarshalText([]byte("composed")))
	assert.Equal(t, ModeComposed, m)
	assert.Error(t, m.UnmarshalText([]byte("blend")))
}

func BenchmarkApply(b *testing.B) {
	src := patternImage(1024, 768)

	for _, workers := range []int{1, 4} {
		e := NewEngine(Config{Workers: workers})
		e.SetSaturation(0.4)
		dst := image.NewNRGBA(src.Rect)

		b.Run(map[int]string{1: "serial", 4: "parallel"}[workers], func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_, _ = e.ApplyInto(dst, src)
			}
		})
	}
}
