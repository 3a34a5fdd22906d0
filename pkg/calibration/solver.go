// Package calibration solves for antenna gains against model visibilities
// and applies them, providing the self-calibration step of the major cycle.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"skysynth/internal/models"
)

// ErrNoSolution is returned when a solution interval has no usable
// baselines.
var ErrNoSolution = errors.New("no gain solution")

// StepKind names a calibration step in a context string.
type StepKind byte

const (
	// PhaseOnly solves a unit-amplitude gain per antenna and time.
	PhaseOnly StepKind = 'T'
	// AmpPhase solves a complex gain per antenna and time.
	AmpPhase StepKind = 'G'
)

// Step is one solve-and-apply pass.
type Step struct {
	Kind StepKind

	// FirstCycle is the first major-cycle index at which the step runs.
	FirstCycle int
}

// ParseContext converts a context string such as "T", "G" or "TG" into
// steps run in order. Unknown letters, including the bandpass step "B",
// are rejected.
func ParseContext(calContext string) ([]Step, error) {
	if calContext == "" {
		return nil, fmt.Errorf("%w: empty calibration context", models.ErrInvalidConfiguration)
	}
	steps := make([]Step, 0, len(calContext))
	for _, r := range strings.ToUpper(calContext) {
		switch StepKind(r) {
		case PhaseOnly, AmpPhase:
			steps = append(steps, Step{Kind: StepKind(r)})
		default:
			return nil, fmt.Errorf("%w: unsupported calibration step %q", models.ErrInvalidConfiguration, r)
		}
	}
	return steps, nil
}

// GainTable holds one complex gain per antenna for each solution time.
type GainTable struct {
	Time []float64
	// Gain[t][a] is the gain of antenna a at Time[t].
	Gain [][]complex128
}

// Solver runs the steps of a calibration context.
type Solver struct {
	steps     []Step
	niter     int
	tolerance float64
	logger    zerolog.Logger
}

// Option customises a Solver.
type Option func(*Solver)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Solver) { s.logger = l }
}

// WithIterations bounds the number of gain iterations per interval.
func WithIterations(n int) Option {
	return func(s *Solver) {
		if n > 0 {
			s.niter = n
		}
	}
}

// WithFirstCycle delays every step until the given major cycle.
func WithFirstCycle(cycle int) Option {
	return func(s *Solver) {
		for i := range s.steps {
			s.steps[i].FirstCycle = cycle
		}
	}
}

// NewSolver parses calContext and returns a Solver.
func NewSolver(calContext string, opts ...Option) (*Solver, error) {
	steps, err := ParseContext(calContext)
	if err != nil {
		return nil, err
	}
	s := &Solver{
		steps:     steps,
		niter:     50,
		tolerance: 1e-8,
		logger:    log.With().Str("component", "calibration").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Steps returns the parsed calibration steps.
func (s *Solver) Steps() []Step { return append([]Step(nil), s.steps...) }

// Calibrate solves each step against modelVis and returns a corrected copy
// of vis. Steps whose FirstCycle is after iteration are skipped.
func (s *Solver) Calibrate(ctx context.Context, vis, modelVis *models.Visibility, iteration int) (*models.Visibility, error) {
	if vis.NRows() != modelVis.NRows() || vis.NChan() != modelVis.NChan() || vis.NPol != modelVis.NPol {
		return nil, fmt.Errorf("%w: calibrating %d rows against %d model rows",
			models.ErrShapeMismatch, vis.NRows(), modelVis.NRows())
	}
	out := vis.Clone()
	for _, step := range s.steps {
		if iteration < step.FirstCycle {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		table, err := s.Solve(out, modelVis, step.Kind == PhaseOnly)
		if err != nil {
			return nil, fmt.Errorf("step %c: %w", step.Kind, err)
		}
		if err := Apply(out, table, true); err != nil {
			return nil, err
		}
		s.logger.Debug().Str("step", string(step.Kind)).Int("cycle", iteration).
			Int("intervals", len(table.Time)).Msg("gains solved and applied")
	}
	return out, nil
}

func antennaCount(vis *models.Visibility) int {
	n := vis.NAnt
	for i := range vis.Antenna1 {
		n = max(n, vis.Antenna1[i]+1, vis.Antenna2[i]+1)
	}
	return n
}

// Solve fits gains per time so that vis ~ g1 conj(g2) modelVis for every
// baseline, using all channels and polarisations of a row jointly. The
// phase of antenna 0 is fixed at zero.
func (s *Solver) Solve(vis, modelVis *models.Visibility, phaseOnly bool) (*GainTable, error) {
	nant := antennaCount(vis)
	times := vis.UniqueTimes()
	slot := make(map[float64]int, len(times))
	for i, t := range times {
		slot[t] = i
	}

	// Accumulate point-source-equivalent sums per interval and baseline.
	x := make([][]complex128, len(times))
	wt := make([][]float64, len(times))
	for t := range times {
		x[t] = make([]complex128, nant*nant)
		wt[t] = make([]float64, nant*nant)
	}
	per := vis.NChan() * vis.NPol
	for row := 0; row < vis.NRows(); row++ {
		a1, a2 := vis.Antenna1[row], vis.Antenna2[row]
		if a1 == a2 {
			continue
		}
		t := slot[vis.Time[row]]
		for k := row * per; k < (row+1)*per; k++ {
			m := modelVis.Vis[k]
			w := vis.Weight[k] * real(m*cmplx.Conj(m))
			if w <= 0 {
				continue
			}
			v := complex(vis.Weight[k], 0) * vis.Vis[k] * cmplx.Conj(m)
			x[t][a1*nant+a2] += v
			x[t][a2*nant+a1] += cmplx.Conj(v)
			wt[t][a1*nant+a2] += w
			wt[t][a2*nant+a1] += w
		}
	}

	table := &GainTable{Time: times, Gain: make([][]complex128, len(times))}
	for t := range times {
		g, err := s.solveInterval(x[t], wt[t], nant, phaseOnly)
		if err != nil {
			return nil, fmt.Errorf("time %g: %w", times[t], err)
		}
		table.Gain[t] = g
	}
	return table, nil
}

// solveInterval iterates g_i = sum_j X_ij g_j / sum_j W_ij |g_j|^2, damped
// by one half, until the largest gain change drops below tolerance.
func (s *Solver) solveInterval(x []complex128, wt []float64, nant int, phaseOnly bool) ([]complex128, error) {
	g := make([]complex128, nant)
	for i := range g {
		g[i] = 1
	}
	usable := false
	for _, w := range wt {
		if w > 0 {
			usable = true
			break
		}
	}
	if !usable {
		return nil, ErrNoSolution
	}

	next := make([]complex128, nant)
	for iter := 0; iter < s.niter; iter++ {
		change := 0.0
		for i := 0; i < nant; i++ {
			var top complex128
			bottom := 0.0
			for j := 0; j < nant; j++ {
				top += x[i*nant+j] * g[j]
				bottom += wt[i*nant+j] * real(g[j]*cmplx.Conj(g[j]))
			}
			if bottom == 0 {
				next[i] = g[i]
				continue
			}
			next[i] = 0.5*g[i] + 0.5*top/complex(bottom, 0)
			if phaseOnly && cmplx.Abs(next[i]) > 0 {
				next[i] /= complex(cmplx.Abs(next[i]), 0)
			}
			change = math.Max(change, cmplx.Abs(next[i]-g[i]))
		}
		copy(g, next)
		if change < s.tolerance {
			break
		}
	}

	if ref := g[0]; cmplx.Abs(ref) > 0 {
		rot := cmplx.Conj(ref) / complex(cmplx.Abs(ref), 0)
		for i := range g {
			g[i] *= rot
		}
	}
	return g, nil
}

// Apply multiplies every sample by g1 conj(g2), or divides by it when
// inverse is set, using the gains of the row's time.
func Apply(vis *models.Visibility, table *GainTable, inverse bool) error {
	slot := make(map[float64]int, len(table.Time))
	for i, t := range table.Time {
		slot[t] = i
	}
	per := vis.NChan() * vis.NPol
	for row := 0; row < vis.NRows(); row++ {
		t, ok := slot[vis.Time[row]]
		if !ok {
			return fmt.Errorf("%w: no gains for time %g", ErrNoSolution, vis.Time[row])
		}
		gains := table.Gain[t]
		a1, a2 := vis.Antenna1[row], vis.Antenna2[row]
		if a1 >= len(gains) || a2 >= len(gains) {
			return fmt.Errorf("%w: antenna %d/%d outside gain table", models.ErrShapeMismatch, a1, a2)
		}
		factor := gains[a1] * cmplx.Conj(gains[a2])
		if inverse {
			if factor == 0 {
				continue
			}
			factor = 1 / factor
		}
		for k := row * per; k < (row+1)*per; k++ {
			vis.Vis[k] *= factor
		}
	}
	return nil
}
