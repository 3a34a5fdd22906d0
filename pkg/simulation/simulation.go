// Package simulation creates synthetic observations: an antenna layout,
// visibilities sampled over a range of hour angles, point-source skies and
// antenna gain errors. It exists to drive and test the imaging loop
// without external data.
package simulation

import (
	"fmt"
	"math"
	"math/cmplx"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"skysynth/internal/models"
	"skysynth/pkg/calibration"
)

// Configuration is an array of antennas with positions in metres in a
// local equatorial frame (X towards hour angle 0, Z towards the pole).
type Configuration struct {
	Name      string
	Positions [][3]float64
	Diameter  float64
}

// NAnt returns the number of antennas.
func (c *Configuration) NAnt() int { return len(c.Positions) }

// NewRandomConfiguration scatters nant antennas in a Gaussian core with
// the given radius (one standard deviation) in metres.
func NewRandomConfiguration(nant int, radius float64, seed uint64) (*Configuration, error) {
	if nant < 2 || radius <= 0 {
		return nil, fmt.Errorf("%w: need at least 2 antennas and a positive radius, got %d and %g",
			models.ErrInvalidConfiguration, nant, radius)
	}
	src := rand.NewSource(seed)
	horizontal := distuv.Normal{Mu: 0, Sigma: radius, Src: src}
	vertical := distuv.Normal{Mu: 0, Sigma: radius / 20, Src: src}
	cfg := &Configuration{Name: fmt.Sprintf("random-%d", nant), Diameter: 35}
	for i := 0; i < nant; i++ {
		cfg.Positions = append(cfg.Positions, [3]float64{horizontal.Rand(), horizontal.Rand(), vertical.Rand()})
	}
	return cfg, nil
}

// HourAngles returns n hour angles in radians evenly spaced over
// [-span/2, span/2].
func HourAngles(n int, span float64) []float64 {
	if n == 1 {
		return []float64{0}
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = -span/2 + span*float64(i)/float64(n-1)
	}
	return out
}

// Observation describes the sampling of a simulated visibility set.
type Observation struct {
	HourAngles     []float64
	Frequency      []float64
	PhaseCentreDec float64
	PolFrame       models.PolarisationFrame

	// ZeroW forces w to zero, giving a coplanar array.
	ZeroW bool
}

// CreateVisibility returns a zero visibility set with one row per baseline
// and hour angle and unit weights.
func CreateVisibility(cfg *Configuration, obs Observation) (*models.Visibility, error) {
	nant := cfg.NAnt()
	if nant < 2 || len(obs.HourAngles) == 0 {
		return nil, fmt.Errorf("%w: observation needs antennas and hour angles", models.ErrInvalidConfiguration)
	}
	nbase := nant * (nant - 1) / 2
	vis, err := models.NewVisibility(nbase*len(obs.HourAngles), obs.Frequency, obs.PolFrame)
	if err != nil {
		return nil, err
	}
	vis.NAnt = nant
	vis.PhaseCentreDec = obs.PhaseCentreDec

	sd, cd := math.Sin(obs.PhaseCentreDec), math.Cos(obs.PhaseCentreDec)
	row := 0
	for _, ha := range obs.HourAngles {
		sh, ch := math.Sin(ha), math.Cos(ha)
		for a1 := 0; a1 < nant; a1++ {
			for a2 := a1 + 1; a2 < nant; a2++ {
				p1, p2 := cfg.Positions[a1], cfg.Positions[a2]
				x, y, z := p2[0]-p1[0], p2[1]-p1[1], p2[2]-p1[2]
				u := sh*x + ch*y
				v := -sd*ch*x + sd*sh*y + cd*z
				w := cd*ch*x - cd*sh*y + sd*z
				if obs.ZeroW {
					w = 0
				}
				vis.Time[row] = ha
				vis.Antenna1[row] = a1
				vis.Antenna2[row] = a2
				vis.UVW[row] = [3]float64{u, v, w}
				row++
			}
		}
	}
	for i := range vis.Weight {
		vis.Weight[i] = 1
	}
	return vis, nil
}

// Source is a point source at a pixel of an image grid.
type Source struct {
	Y, X int
	Flux float64
}

// RandomSources draws n sources with uniform positions at least margin
// pixels from the edges and fluxes uniform in [fmin, fmax).
func RandomSources(n, ny, nx, margin int, fmin, fmax float64, seed uint64) []Source {
	src := rand.NewSource(seed)
	ys := distuv.Uniform{Min: float64(margin), Max: float64(ny - margin), Src: src}
	xs := distuv.Uniform{Min: float64(margin), Max: float64(nx - margin), Src: src}
	fluxes := distuv.Uniform{Min: fmin, Max: fmax, Src: src}
	out := make([]Source, n)
	for i := range out {
		out[i] = Source{Y: int(ys.Rand()), X: int(xs.Rand()), Flux: fluxes.Rand()}
	}
	return out
}

// CreateTestImage returns a copy of template holding the sources in every
// channel and polarisation 0.
func CreateTestImage(template *models.Image, sources []Source) (*models.Image, error) {
	out := template.ZerosLike()
	for _, s := range sources {
		if s.Y < 0 || s.Y >= out.Shape.NY || s.X < 0 || s.X >= out.Shape.NX {
			return nil, fmt.Errorf("%w: source at (%d, %d) outside %s", models.ErrShapeMismatch, s.Y, s.X, out.Shape)
		}
		for c := 0; c < out.Shape.NChan; c++ {
			out.Set(c, 0, s.Y, s.X, out.At(c, 0, s.Y, s.X)+s.Flux)
		}
	}
	return out, nil
}

// AddSources adds the exact visibilities of point sources placed on the
// pixels of wcs, including the w-term, to polarisation 0 of vis.
func AddSources(vis *models.Visibility, wcs models.WCS, sources []Source) {
	for c := 0; c < vis.NChan(); c++ {
		AddChannelSources(vis, wcs, sources, c)
	}
}

// AddChannelSources is AddSources restricted to one channel, used to
// simulate line emission.
func AddChannelSources(vis *models.Visibility, wcs models.WCS, sources []Source, channel int) {
	for _, s := range sources {
		l, m := wcs.LM(s.Y, s.X)
		n := math.Sqrt(1 - l*l - m*m)
		for row := 0; row < vis.NRows(); row++ {
			u, v, w := vis.UVWLambda(row, channel)
			phase := -2 * math.Pi * (u*l + v*m + w*(n-1))
			vis.Vis[vis.Index(row, channel, 0)] += complex(s.Flux, 0) * cmplx.Exp(complex(0, phase))
		}
	}
}

// AddGainErrors corrupts vis in place with random antenna gains, one per
// antenna and time, and returns them. Phases are normal with sigma
// phaseRMS radians and amplitudes normal around one with sigma ampRMS.
// Antenna 0 keeps zero phase.
func AddGainErrors(vis *models.Visibility, phaseRMS, ampRMS float64, seed uint64) (*calibration.GainTable, error) {
	src := rand.NewSource(seed)
	phases := distuv.Normal{Mu: 0, Sigma: phaseRMS, Src: src}
	amps := distuv.Normal{Mu: 1, Sigma: ampRMS, Src: src}

	nant := vis.NAnt
	for i := range vis.Antenna1 {
		nant = max(nant, vis.Antenna1[i]+1, vis.Antenna2[i]+1)
	}
	times := vis.UniqueTimes()
	table := &calibration.GainTable{Time: times, Gain: make([][]complex128, len(times))}
	for t := range times {
		g := make([]complex128, nant)
		for a := range g {
			amp, phase := amps.Rand(), phases.Rand()
			if a == 0 {
				phase = 0
			}
			g[a] = cmplx.Rect(amp, phase)
		}
		table.Gain[t] = g
	}
	if err := calibration.Apply(vis, table, false); err != nil {
		return nil, err
	}
	return table, nil
}

// AddNoise adds complex Gaussian noise with standard deviation sigma per
// real and imaginary part.
func AddNoise(vis *models.Visibility, sigma float64, seed uint64) {
	if sigma <= 0 {
		return
	}
	noise := distuv.Normal{Mu: 0, Sigma: sigma, Src: rand.NewSource(seed)}
	for i := range vis.Vis {
		vis.Vis[i] += complex(noise.Rand(), noise.Rand())
	}
}
