package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"skysynth/internal/models"
	"skysynth/internal/observability"
	"skysynth/pkg/config"
	"skysynth/pkg/partition"
	"skysynth/pkg/pipeline"
	"skysynth/pkg/simulation"
	"skysynth/pkg/visualization"
)

// observation is a simulated data set with its known sky.
type observation struct {
	vis       *models.Visibility
	truth     *models.Image
	continuum *models.Image
}

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "skysynth.yaml", "Configuration file (.yaml or .toml)")
	outputDir := flag.String("output", "", "Output directory (overrides output.dir)")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: from config)")
	workflow := flag.String("workflow", "", "Workflow: continuum, ical or spectral (default: from config)")
	partitionContext := flag.String("context", "", "Partitioning: "+fmt.Sprint(partition.Kinds))
	saveIntermediary := flag.Bool("save-intermediary", false, "Save PSF, model, residual and restored images as PNG")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	jsonLog := flag.Bool("json-log", false, "Log JSON lines instead of console output")
	writeDefault := flag.Bool("write-default-config", false, "Write the default configuration to -config and exit")
	flag.Parse()

	observability.InitLogger("skysynth", *verbose, *jsonLog)

	if *writeDefault {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatal().Err(err).Msg("failed to write default config")
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}

	// Flags given on the command line override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "output":
			cfg.Output.Dir = *outputDir
		case "cores":
			cfg.Processing.NumCores = *numCores
		case "workflow":
			cfg.Processing.Workflow = config.Workflow(*workflow)
		case "context":
			cfg.Processing.Context = *partitionContext
		case "save-intermediary":
			cfg.Output.SaveIntermediaryResults = *saveIntermediary
		case "verbose":
			cfg.Output.Verbose = *verbose
		case "json-log":
			cfg.Output.JSONLog = *jsonLog
		}
	})
	if cfg.Output.Verbose != *verbose || cfg.Output.JSONLog != *jsonLog {
		observability.InitLogger("skysynth", cfg.Output.Verbose, cfg.Output.JSONLog)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log.Info().Str("path", *configPath).Str("workflow", string(cfg.Processing.Workflow)).
		Str("context", cfg.Processing.Context).Msg("loaded config")

	fmt.Println("================================")
	fmt.Println("SKYSYNTH: SYNTHESIS IMAGING AND DECONVOLUTION")
	fmt.Println("================================")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	obs, err := simulate(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("simulation failed")
	}
	log.Info().Int("rows", obs.vis.NRows()).Int("channels", obs.vis.NChan()).Msg("simulated observation")

	params := pipeline.ParamsFromConfig(cfg)
	pl, err := pipeline.NewPipeline(params)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}

	log.Info().Str("run", pl.RunID()).Msg("pipeline ready")
	fmt.Printf("Starting %s imaging with %s partitioning...\n", cfg.Processing.Workflow, cfg.Processing.Context)
	startTime := time.Now()
	res, err := pl.Process(ctx, obs.vis, obs.continuum)
	if err != nil {
		log.Fatal().Err(err).Msg("imaging failed")
	}
	processingTime := time.Since(startTime)

	if _, err := pl.Evaluate(obs.truth); err != nil {
		log.Warn().Err(err).Msg("failed to compare with the simulated sky")
	}
	metrics := pl.GetMetrics()

	fmt.Printf("\nImaging completed in %.2f seconds\n", processingTime.Seconds())
	fmt.Printf("Major cycles: %d (converged: %v)\n", metrics.Cycles, metrics.Converged)
	fmt.Printf("Peak residual: %.6f\n", metrics.PeakResidual)
	fmt.Printf("Restoring beam: %.2f x %.2f pixels, PA %.1f deg\n",
		metrics.Beam.MajorFWHM, metrics.Beam.MinorFWHM, metrics.Beam.PositionAngle*180/math.Pi)

	fmt.Printf("\nImage statistics:\n")
	fmt.Printf("=======================================\n")
	fmt.Printf("Restored max / min: %.4f / %.4f\n", metrics.Restored.Max, metrics.Restored.Min)
	fmt.Printf("Restored RMS: %.6f\n", metrics.Restored.RMS)
	fmt.Printf("Residual RMS: %.6f\n", metrics.Residual.RMS)
	fmt.Printf("Residual median |x|: %.6f\n", metrics.Residual.MedianAbs)

	if f := metrics.Fidelity; f != nil {
		fmt.Printf("\nComparison with the simulated sky:\n")
		fmt.Printf("- RMSE: %.6f\n", f.RMSE)
		fmt.Printf("- Max |difference|: %.6f\n", f.MaxAbsDiff)
		fmt.Printf("- Correlation: %.3f\n", f.Correlation)
		fmt.Printf("- SSIM: %.3f\n", f.SSIM)
		fmt.Printf("- Dynamic range: %.1f\n", f.DynamicRange)
	}
	if m := metrics.Components; m != nil {
		fmt.Printf("- Sources recovered: %d of %d (%d spurious)\n",
			len(m.Matches), len(m.Matches)+len(m.Missed), m.Spurious)
	}

	restoredDir := filepath.Join(cfg.Output.Dir, "restored")
	if err := visualization.NewViewer(res.Restored, visualization.ScaleMinMax).SaveAllPlanes("restored", restoredDir); err != nil {
		log.Warn().Err(err).Msg("failed to save restored image")
	} else {
		fmt.Printf("\nRestored image saved to: %s\n", restoredDir)
	}

	if cfg.Output.SaveIntermediaryResults {
		fmt.Println("\nIntermediary results saved to:")
		fmt.Printf("%s\n", params.IntermediaryDir)
		fmt.Println("- 01_psf: Point spread function")
		fmt.Println("- 02_model: Clean component model")
		fmt.Println("- 03_residual: Final residual image")
		fmt.Println("- 04_restored: Restored image")
	}
}

// simulate builds the observation described by the simulation section.
// For the spectral workflow a line source of LineFlux is added to the
// centre channel and the continuum sky is returned for subtraction.
func simulate(cfg *config.Config) (*observation, error) {
	s := cfg.Simulation
	array, err := simulation.NewRandomConfiguration(s.NAnt, s.ArrayRadius, s.Seed)
	if err != nil {
		return nil, err
	}
	vis, err := simulation.CreateVisibility(array, simulation.Observation{
		HourAngles:     simulation.HourAngles(s.NTimes, s.HourAngleSpan),
		Frequency:      s.Frequencies,
		PhaseCentreDec: s.Declination,
		PolFrame:       models.StokesI,
		ZeroW:          s.ZeroW,
	})
	if err != nil {
		return nil, err
	}

	n := cfg.Imaging.NPixel
	template, err := pipeline.NewTemplate(vis, n, cfg.Imaging.CellSize)
	if err != nil {
		return nil, err
	}
	sources := simulation.RandomSources(s.NSources, n, n, n/4, s.MinFlux, s.MaxFlux, s.Seed+1)
	simulation.AddSources(vis, template.WCS, sources)
	sky, err := simulation.CreateTestImage(template, sources)
	if err != nil {
		return nil, err
	}
	obs := &observation{vis: vis, truth: sky}

	if cfg.Processing.Workflow == config.WorkflowSpectralLine {
		mid := vis.NChan() / 2
		line := simulation.RandomSources(1, n, n, n/4, s.LineFlux, s.LineFlux, s.Seed+2)
		simulation.AddChannelSources(vis, template.WCS, line, mid)
		obs.continuum = sky
		obs.truth = template.ZerosLike()
		obs.truth.Set(mid, 0, line[0].Y, line[0].X, line[0].Flux)
	}

	if s.PhaseError > 0 || s.AmpError > 0 {
		if _, err := simulation.AddGainErrors(vis, s.PhaseError, s.AmpError, s.Seed+3); err != nil {
			return nil, err
		}
	}
	simulation.AddNoise(vis, s.Noise, s.Seed+4)
	return obs, nil
}
