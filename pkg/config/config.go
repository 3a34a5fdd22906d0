// Package config provides configuration loading and management for skysynth.
// It handles loading configuration from YAML or TOML files and provides
// default values.
package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"skysynth/internal/models"
	"skysynth/pkg/deconvolution"
	"skysynth/pkg/majorcycle"
	"skysynth/pkg/partition"
)

// Workflow names the imaging pipeline run by the CLI.
type Workflow string

const (
	WorkflowContinuum    Workflow = "continuum"
	WorkflowICAL         Workflow = "ical"
	WorkflowSpectralLine Workflow = "spectral"
)

// Config represents the application configuration
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores" toml:"numCores"`

		// Workflow selects continuum imaging, ICAL or spectral-line imaging
		Workflow Workflow `yaml:"workflow" toml:"workflow"`

		// Context selects the partitioning: 2d, timeslice, wstack, facets,
		// facets_timeslice or facets_wstack
		Context string `yaml:"context" toml:"context"`

		// Facets is the number of facets per image axis
		Facets int `yaml:"facets" toml:"facets"`

		// VisSlices is the number of time slices or w-planes
		VisSlices int `yaml:"visSlices" toml:"visSlices"`
	} `yaml:"processing" toml:"processing"`

	// Image grid
	Imaging struct {
		NPixel int `yaml:"npixel" toml:"npixel"`

		// CellSize is the pixel size in radians
		CellSize float64 `yaml:"cellSize" toml:"cellSize"`
	} `yaml:"imaging" toml:"imaging"`

	// Minor-cycle parameters
	Deconvolution struct {
		// Algorithm is hogbom or msclean
		Algorithm           string  `yaml:"algorithm" toml:"algorithm"`
		Niter               int     `yaml:"niter" toml:"niter"`
		Gain                float64 `yaml:"gain" toml:"gain"`
		Threshold           float64 `yaml:"threshold" toml:"threshold"`
		FractionalThreshold float64 `yaml:"fractionalThreshold" toml:"fractionalThreshold"`
		Scales              []int   `yaml:"scales" toml:"scales"`

		// Window is none or quarter
		Window     string `yaml:"window" toml:"window"`
		PSFSupport int    `yaml:"psfSupport" toml:"psfSupport"`

		// FacetDeconvolution cleans each facet separately
		FacetDeconvolution bool `yaml:"facetDeconvolution" toml:"facetDeconvolution"`
	} `yaml:"deconvolution" toml:"deconvolution"`

	// Major-cycle parameters
	MajorCycle struct {
		NMajor     int     `yaml:"nmajor" toml:"nmajor"`
		StopMargin float64 `yaml:"stopMargin" toml:"stopMargin"`

		// CalibrationContext lists the self-calibration steps, e.g. "T" or "TG"
		CalibrationContext string `yaml:"calibrationContext" toml:"calibrationContext"`

		// FirstSelfCal is the first major cycle at which self-calibration runs
		FirstSelfCal int `yaml:"firstSelfCal" toml:"firstSelfCal"`
	} `yaml:"majorCycle" toml:"majorCycle"`

	// Synthetic observation
	Simulation struct {
		NAnt          int       `yaml:"nant" toml:"nant"`
		ArrayRadius   float64   `yaml:"arrayRadius" toml:"arrayRadius"`
		NTimes        int       `yaml:"ntimes" toml:"ntimes"`
		HourAngleSpan float64   `yaml:"hourAngleSpan" toml:"hourAngleSpan"`
		Frequencies   []float64 `yaml:"frequencies" toml:"frequencies"`
		Declination   float64   `yaml:"declination" toml:"declination"`
		ZeroW         bool      `yaml:"zeroW" toml:"zeroW"`
		NSources      int       `yaml:"nsources" toml:"nsources"`
		MinFlux       float64   `yaml:"minFlux" toml:"minFlux"`
		MaxFlux       float64   `yaml:"maxFlux" toml:"maxFlux"`

		// LineFlux is the flux of the spectral line source added to the
		// centre channel for the spectral workflow
		LineFlux   float64 `yaml:"lineFlux" toml:"lineFlux"`
		PhaseError float64 `yaml:"phaseError" toml:"phaseError"`
		AmpError   float64 `yaml:"ampError" toml:"ampError"`
		Noise      float64 `yaml:"noise" toml:"noise"`
		Seed       uint64  `yaml:"seed" toml:"seed"`
	} `yaml:"simulation" toml:"simulation"`

	// Output parameters
	Output struct {
		Dir string `yaml:"dir" toml:"dir"`

		// SaveIntermediaryResults determines whether to save images after each stage
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults" toml:"saveIntermediaryResults"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose" toml:"verbose"`

		// JSONLog switches the console logger to JSON lines
		JSONLog bool `yaml:"jsonLog" toml:"jsonLog"`
	} `yaml:"output" toml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.Workflow = WorkflowContinuum
	cfg.Processing.Context = string(partition.Context2D)
	cfg.Processing.Facets = 1
	cfg.Processing.VisSlices = 1

	cfg.Imaging.NPixel = 256
	cfg.Imaging.CellSize = 0.001

	d := deconvolution.DefaultParams()
	cfg.Deconvolution.Algorithm = string(d.Algorithm)
	cfg.Deconvolution.Niter = d.Niter
	cfg.Deconvolution.Gain = d.Gain
	cfg.Deconvolution.Threshold = 0.01
	cfg.Deconvolution.FractionalThreshold = 0.1
	cfg.Deconvolution.Scales = d.Scales
	cfg.Deconvolution.Window = string(deconvolution.WindowQuarter)

	cfg.MajorCycle.NMajor = 5
	cfg.MajorCycle.StopMargin = majorcycle.DefaultStopMargin
	cfg.MajorCycle.CalibrationContext = "T"

	cfg.Simulation.NAnt = 20
	cfg.Simulation.ArrayRadius = 300
	cfg.Simulation.NTimes = 7
	cfg.Simulation.HourAngleSpan = math.Pi / 3
	cfg.Simulation.Frequencies = []float64{1e8}
	cfg.Simulation.Declination = -math.Pi / 4
	cfg.Simulation.NSources = 5
	cfg.Simulation.MinFlux = 0.5
	cfg.Simulation.MaxFlux = 5
	cfg.Simulation.LineFlux = 1
	cfg.Simulation.Seed = 1

	cfg.Output.Dir = "skysynth_output"
	cfg.Output.Verbose = false

	return cfg
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML file, or TOML when the file
// ends in .toml. If the file doesn't exist, it returns the default
// configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// DeconvolutionParams returns the minor-cycle parameters.
func (c *Config) DeconvolutionParams() deconvolution.Params {
	d := c.Deconvolution
	return deconvolution.Params{
		Niter:               d.Niter,
		Gain:                d.Gain,
		Threshold:           d.Threshold,
		FractionalThreshold: d.FractionalThreshold,
		Algorithm:           deconvolution.Algorithm(d.Algorithm),
		Scales:              append([]int(nil), d.Scales...),
		WindowMode:          deconvolution.WindowMode(d.Window),
		PSFSupport:          d.PSFSupport,
	}
}

// MajorCycleParams returns the loop parameters. Self-calibration is
// enabled for the ICAL workflow.
func (c *Config) MajorCycleParams() majorcycle.Params {
	return majorcycle.Params{
		NMajor:     c.MajorCycle.NMajor,
		Threshold:  c.Deconvolution.Threshold,
		StopMargin: c.MajorCycle.StopMargin,
		SelfCal:    c.Processing.Workflow == WorkflowICAL,
	}
}

// PartitionParams returns the partitioning parameters.
func (c *Config) PartitionParams() partition.Params {
	return partition.Params{
		Kind:      partition.Kind(c.Processing.Context),
		Facets:    c.Processing.Facets,
		VisSlices: c.Processing.VisSlices,
		Workers:   c.Processing.NumCores,
	}
}

// Validate rejects out-of-range values before any processing starts.
func (c *Config) Validate() error {
	switch c.Processing.Workflow {
	case WorkflowContinuum, WorkflowICAL, WorkflowSpectralLine:
	default:
		return fmt.Errorf("%w: unknown workflow %q", models.ErrInvalidConfiguration, c.Processing.Workflow)
	}
	if c.Processing.NumCores < 1 {
		return fmt.Errorf("%w: numCores must be >= 1, got %d", models.ErrInvalidConfiguration, c.Processing.NumCores)
	}
	if c.Imaging.NPixel < 2 || c.Imaging.CellSize <= 0 {
		return fmt.Errorf("%w: npixel %d and cellSize %g must be positive",
			models.ErrInvalidConfiguration, c.Imaging.NPixel, c.Imaging.CellSize)
	}
	if err := c.DeconvolutionParams().Validate(); err != nil {
		return err
	}
	if err := c.MajorCycleParams().Validate(); err != nil {
		return err
	}
	p := c.PartitionParams()
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Kind.HasFacets() || c.Deconvolution.FacetDeconvolution {
		if _, err := partition.FacetGeometry(c.Imaging.NPixel, c.Imaging.NPixel, max(p.Facets, 1)); err != nil {
			return err
		}
	}
	s := c.Simulation
	if s.NAnt < 2 || s.NTimes < 1 || len(s.Frequencies) == 0 || s.ArrayRadius <= 0 {
		return fmt.Errorf("%w: simulation needs nant >= 2, ntimes >= 1, frequencies and a positive radius",
			models.ErrInvalidConfiguration)
	}
	if s.MinFlux > s.MaxFlux || s.Noise < 0 || s.PhaseError < 0 || s.AmpError < 0 {
		return fmt.Errorf("%w: simulation flux range or error levels out of range", models.ErrInvalidConfiguration)
	}
	if c.Processing.Workflow == WorkflowSpectralLine && len(s.Frequencies) < 2 {
		return fmt.Errorf("%w: spectral workflow needs at least two frequencies", models.ErrInvalidConfiguration)
	}
	return nil
}
