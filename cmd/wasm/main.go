//go:build js && wasm

package main

import (
	"fmt"
	"image"
	"syscall/js"

	"github.com/MeKo-Tech/coloradjust/internal/adjust"
)

// engine is shared by all exported functions; JS calls arrive on one goroutine.
var engine = adjust.NewEngine(adjust.Config{Workers: 1})

func errorResult(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

func stateResult() map[string]any {
	st := engine.State()
	m := engine.Matrix()

	matrix := make([]any, len(m))
	for i, v := range m {
		matrix[i] = float64(v)
	}

	return map[string]any{
		"mode":       engine.Mode().String(),
		"saturation": st.Saturation,
		"brightness": st.Brightness,
		"contrast":   st.Contrast,
		"last":       st.Last.String(),
		"matrix":     matrix,
	}
}

func setter(axis adjust.Axis) js.Func {
	return js.FuncOf(func(this js.Value, args []js.Value) any {
		if len(args) < 1 {
			return errorResult(fmt.Errorf("missing progress for %s", axis))
		}
		if err := engine.Set(axis, args[0].Int()); err != nil {
			return errorResult(err)
		}
		return stateResult()
	})
}

// apply adjusts an RGBA pixel array in place: apply(pixels, width, height).
// pixels is a Uint8Array or Uint8ClampedArray such as ImageData.data.
func apply(this js.Value, args []js.Value) any {
	if len(args) < 3 {
		return errorResult(fmt.Errorf("usage: apply(pixels, width, height)"))
	}
	pixels, width, height := args[0], args[1].Int(), args[2].Int()
	if width <= 0 || height <= 0 || pixels.Get("length").Int() != 4*width*height {
		return errorResult(fmt.Errorf("%w: %dx%d does not match %d bytes",
			adjust.ErrInvalidInput, width, height, pixels.Get("length").Int()))
	}

	src := image.NewNRGBA(image.Rect(0, 0, width, height))
	js.CopyBytesToGo(src.Pix, pixels)

	out, err := engine.ApplyInto(src, src)
	if err != nil {
		return errorResult(err)
	}
	js.CopyBytesToJS(pixels, out.Pix)
	return stateResult()
}

func reset(this js.Value, args []js.Value) any {
	engine.Reset()
	return stateResult()
}

func main() {
	c := make(chan struct{})

	js.Global().Set("colorAdjustSetSaturation", setter(adjust.AxisSaturation))
	js.Global().Set("colorAdjustSetBrightness", setter(adjust.AxisBrightness))
	js.Global().Set("colorAdjustSetContrast", setter(adjust.AxisContrast))
	js.Global().Set("colorAdjustReset", js.FuncOf(reset))
	js.Global().Set("colorAdjustApply", js.FuncOf(apply))
	js.Global().Set("colorAdjustState", js.FuncOf(func(this js.Value, args []js.Value) any {
		return stateResult()
	}))

	fmt.Println("ColorAdjust WASM module loaded")
	<-c
}
