package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/MeKo-Tech/coloradjust/internal/adjust"
	"github.com/MeKo-Tech/coloradjust/internal/colormatrix"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var matrixCmd = &cobra.Command{
	Use:   "matrix",
	Short: "Print the color matrix for a slider position",
	Long: `Print the 4x5 color matrix the engine would apply.

With --axis, a single slider event is replayed on a fresh engine. In composed
mode the --saturation, --brightness and --contrast values are all applied.`,
	Example: `  coloradjust matrix --axis saturation --progress 0
  coloradjust matrix --mode composed --saturation 50 --contrast 140`,
	RunE: runMatrix,
}

func init() {
	rootCmd.AddCommand(matrixCmd)

	matrixCmd.Flags().String("axis", "", "Slider to move (saturation, brightness, contrast)")
	matrixCmd.Flags().Int("progress", adjust.SliderNeutral, "Raw slider value for --axis")
	matrixCmd.Flags().String("mode", "last-wins", "How sliders combine (last-wins, composed)")
	matrixCmd.Flags().Int("saturation", adjust.SaturationMax, "Saturation slider (0-100)")
	matrixCmd.Flags().Int("brightness", adjust.SliderNeutral, "Brightness slider (0-200)")
	matrixCmd.Flags().Int("contrast", adjust.SliderNeutral, "Contrast slider (0-200)")
	matrixCmd.Flags().Bool("json", false, "Print state and matrix as JSON")

	bindFlags := []struct {
		key  string
		name string
	}{
		{"matrix.axis", "axis"},
		{"matrix.progress", "progress"},
		{"matrix.mode", "mode"},
		{"matrix.saturation", "saturation"},
		{"matrix.brightness", "brightness"},
		{"matrix.contrast", "contrast"},
		{"matrix.json", "json"},
	}
	for _, b := range bindFlags {
		if err := viper.BindPFlag(b.key, matrixCmd.Flags().Lookup(b.name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", b.name, err))
		}
	}
}

type matrixRequest struct {
	Axis       string
	Mode       string
	Progress   int
	Saturation int
	Brightness int
	Contrast   int
}

type matrixReport struct {
	Mode   adjust.Mode        `json:"mode"`
	State  adjust.State       `json:"state"`
	Matrix colormatrix.Matrix `json:"matrix"`
}

func runMatrix(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	report, err := buildMatrix(matrixRequest{
		Axis:       viper.GetString("matrix.axis"),
		Mode:       viper.GetString("matrix.mode"),
		Progress:   viper.GetInt("matrix.progress"),
		Saturation: viper.GetInt("matrix.saturation"),
		Brightness: viper.GetInt("matrix.brightness"),
		Contrast:   viper.GetInt("matrix.contrast"),
	})
	if err != nil {
		return err
	}

	logger.Debug("matrix built", "mode", report.Mode.String(), "last", report.State.Last.String())
	return writeMatrix(cmd.OutOrStdout(), report, viper.GetBool("matrix.json"))
}

// buildMatrix replays the requested slider events on a fresh engine.
func buildMatrix(req matrixRequest) (matrixReport, error) {
	mode, err := adjust.ParseMode(req.Mode)
	if err != nil {
		return matrixReport{}, err
	}
	engine := adjust.NewEngine(adjust.Config{Mode: mode, Workers: 1})

	switch {
	case req.Axis != "":
		axis, err := adjust.ParseAxis(req.Axis)
		if err != nil {
			return matrixReport{}, err
		}
		if err := engine.Set(axis, req.Progress); err != nil {
			return matrixReport{}, err
		}
	case mode == adjust.ModeComposed:
		engine.SetSaturationProgress(req.Saturation)
		engine.SetBrightness(req.Brightness)
		engine.SetContrast(req.Contrast)
	default:
		return matrixReport{}, fmt.Errorf("--axis is required in %s mode", mode)
	}

	return matrixReport{
		Mode:   engine.Mode(),
		State:  engine.State(),
		Matrix: engine.Matrix(),
	}, nil
}

func writeMatrix(w io.Writer, report matrixReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("failed to encode matrix: %w", err)
		}
		return nil
	}

	if _, err := fmt.Fprintf(w, "mode: %s\nsaturation: %.2f  brightness: %d  contrast: %d\n%s\n",
		report.Mode, report.State.Saturation, report.State.Brightness, report.State.Contrast, report.Matrix); err != nil {
		return fmt.Errorf("failed to write matrix: %w", err)
	}
	return nil
}
