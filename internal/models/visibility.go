package models

import (
	"fmt"
	"math"
	"sort"
)

// SpeedOfLight in m/s, used to convert baselines to wavelengths.
const SpeedOfLight = 299792458.0

// Visibility is a set of complex interferometer samples. Each row is one
// baseline at one time; every row carries NChan x NPol samples stored
// contiguously in Vis and Weight as [row][channel][polarisation].
type Visibility struct {
	// Time holds the observation time of each row (hour angle in radians
	// for simulated data).
	Time []float64

	// Antenna1 and Antenna2 identify the baseline of each row.
	Antenna1 []int
	Antenna2 []int

	// UVW holds the baseline coordinates of each row in metres.
	UVW [][3]float64

	// Frequency holds the centre frequency of each channel in Hz.
	Frequency []float64

	NPol     int
	NAnt     int
	PolFrame PolarisationFrame

	// PhaseCentreRA and PhaseCentreDec are in radians.
	PhaseCentreRA  float64
	PhaseCentreDec float64

	Vis    []complex128
	Weight []float64
}

// NewVisibility allocates a zero visibility set with nrows rows.
func NewVisibility(nrows int, frequency []float64, pol PolarisationFrame) (*Visibility, error) {
	npol := pol.NPol()
	if nrows < 0 || len(frequency) == 0 || npol == 0 {
		return nil, fmt.Errorf("%w: visibility rows=%d channels=%d pol=%q",
			ErrInvalidConfiguration, nrows, len(frequency), pol)
	}
	n := nrows * len(frequency) * npol
	return &Visibility{
		Time:      make([]float64, nrows),
		Antenna1:  make([]int, nrows),
		Antenna2:  make([]int, nrows),
		UVW:       make([][3]float64, nrows),
		Frequency: append([]float64(nil), frequency...),
		NPol:      npol,
		PolFrame:  pol,
		Vis:       make([]complex128, n),
		Weight:    make([]float64, n),
	}, nil
}

// NRows returns the number of rows.
func (v *Visibility) NRows() int { return len(v.Time) }

// NChan returns the number of channels.
func (v *Visibility) NChan() int { return len(v.Frequency) }

// Index returns the flat offset of sample (row, channel, pol).
func (v *Visibility) Index(row, ch, pol int) int {
	return (row*len(v.Frequency)+ch)*v.NPol + pol
}

// UVWLambda returns the baseline coordinates of row in wavelengths at
// channel ch.
func (v *Visibility) UVWLambda(row, ch int) (u, vv, w float64) {
	scale := v.Frequency[ch] / SpeedOfLight
	b := v.UVW[row]
	return b[0] * scale, b[1] * scale, b[2] * scale
}

// Clone returns a deep copy of the visibility set.
func (v *Visibility) Clone() *Visibility {
	c := *v
	c.Time = append([]float64(nil), v.Time...)
	c.Antenna1 = append([]int(nil), v.Antenna1...)
	c.Antenna2 = append([]int(nil), v.Antenna2...)
	c.UVW = append([][3]float64(nil), v.UVW...)
	c.Frequency = append([]float64(nil), v.Frequency...)
	c.Vis = append([]complex128(nil), v.Vis...)
	c.Weight = append([]float64(nil), v.Weight...)
	return &c
}

// ZerosLike returns a copy with all samples set to zero and the weights kept.
func (v *Visibility) ZerosLike() *Visibility {
	c := v.Clone()
	for i := range c.Vis {
		c.Vis[i] = 0
	}
	return c
}

// sameIndexSpace reports whether two sets describe the same samples.
func (v *Visibility) sameIndexSpace(o *Visibility) bool {
	if v.NRows() != o.NRows() || v.NChan() != o.NChan() || v.NPol != o.NPol {
		return false
	}
	for i := range v.Time {
		if v.Antenna1[i] != o.Antenna1[i] || v.Antenna2[i] != o.Antenna2[i] || v.Time[i] != o.Time[i] {
			return false
		}
	}
	return true
}

// CombineVisibility returns wa*a + wb*b sample by sample. Weights are taken
// from a. Both sets must share the same index space.
func CombineVisibility(a, b *Visibility, wa, wb float64) (*Visibility, error) {
	if !a.sameIndexSpace(b) {
		return nil, fmt.Errorf("%w: combining visibility sets with %d and %d rows",
			ErrShapeMismatch, a.NRows(), b.NRows())
	}
	out := a.Clone()
	ca, cb := complex(wa, 0), complex(wb, 0)
	for i := range out.Vis {
		out.Vis[i] = ca*a.Vis[i] + cb*b.Vis[i]
	}
	return out, nil
}

// SelectRows copies the given rows into a new visibility set.
func (v *Visibility) SelectRows(rows []int) *Visibility {
	nc := v.NChan() * v.NPol
	out := &Visibility{
		Time:           make([]float64, len(rows)),
		Antenna1:       make([]int, len(rows)),
		Antenna2:       make([]int, len(rows)),
		UVW:            make([][3]float64, len(rows)),
		Frequency:      append([]float64(nil), v.Frequency...),
		NPol:           v.NPol,
		NAnt:           v.NAnt,
		PolFrame:       v.PolFrame,
		PhaseCentreRA:  v.PhaseCentreRA,
		PhaseCentreDec: v.PhaseCentreDec,
		Vis:            make([]complex128, len(rows)*nc),
		Weight:         make([]float64, len(rows)*nc),
	}
	for i, r := range rows {
		out.Time[i] = v.Time[r]
		out.Antenna1[i] = v.Antenna1[r]
		out.Antenna2[i] = v.Antenna2[r]
		out.UVW[i] = v.UVW[r]
		copy(out.Vis[i*nc:(i+1)*nc], v.Vis[r*nc:(r+1)*nc])
		copy(out.Weight[i*nc:(i+1)*nc], v.Weight[r*nc:(r+1)*nc])
	}
	return out
}

// InsertRows writes the samples of sub back into rows of v. sub must have
// been produced by SelectRows(rows) on a set with the same channel and
// polarisation layout.
func (v *Visibility) InsertRows(sub *Visibility, rows []int) error {
	if sub.NRows() != len(rows) || sub.NChan() != v.NChan() || sub.NPol != v.NPol {
		return fmt.Errorf("%w: inserting %d rows into %d-row set", ErrShapeMismatch, sub.NRows(), v.NRows())
	}
	nc := v.NChan() * v.NPol
	for i, r := range rows {
		copy(v.Vis[r*nc:(r+1)*nc], sub.Vis[i*nc:(i+1)*nc])
	}
	return nil
}

// UniqueTimes returns the sorted distinct row times.
func (v *Visibility) UniqueTimes() []float64 {
	seen := make(map[float64]struct{}, len(v.Time))
	var times []float64
	for _, t := range v.Time {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			times = append(times, t)
		}
	}
	sort.Float64s(times)
	return times
}

// MaxAbsW returns the largest |w| in metres.
func (v *Visibility) MaxAbsW() float64 {
	w := 0.0
	for _, b := range v.UVW {
		w = math.Max(w, math.Abs(b[2]))
	}
	return w
}
