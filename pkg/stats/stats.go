// Package stats computes per-block band statistics and pools them into
// dataset-level statistics.
package stats

import (
	"math"

	"github.com/ssargent/raquet/pkg/raster"
)

// Record holds the statistics of a set of valid pixels. Sum and SumSquares
// are kept so records can be pooled across blocks.
type Record struct {
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"stddev"`
	Sum        float64 `json:"sum"`
	SumSquares float64 `json:"sum_squares"`
	Count      int64   `json:"count"`
	// Approximated marks dataset-level records pooled from blocks.
	Approximated bool `json:"approximated_stats"`
}

// Empty reports whether the record saw no valid pixels.
func (r Record) Empty() bool {
	return r.Count == 0
}

// Block computes exact statistics of a packed block, skipping pixels equal to
// nodata and NaN pixels. A record with Count 0 is returned when nothing is valid.
func Block(data []byte, dtype raster.DType, nodata *float64) Record {
	n := len(data) / dtype.Size()
	var rec Record
	rec.Min = math.Inf(1)
	rec.Max = math.Inf(-1)

	for i := 0; i < n; i++ {
		v := dtype.Value(data, i)
		if math.IsNaN(v) || (nodata != nil && v == *nodata) {
			continue
		}
		rec.Count++
		rec.Sum += v
		rec.SumSquares += v * v
		rec.Min = math.Min(rec.Min, v)
		rec.Max = math.Max(rec.Max, v)
	}

	if rec.Count == 0 {
		return Record{}
	}

	count := float64(rec.Count)
	rec.Mean = rec.Sum / count
	variance := rec.SumSquares/count - rec.Mean*rec.Mean
	if variance < 0 {
		variance = 0
	}
	rec.StdDev = math.Sqrt(variance)
	return rec
}

// Aggregate pools block records weighted by their valid pixel counts. The
// standard deviation pools per-block variances without the between-block mean
// term, so the result is flagged as approximated. It returns nil when no record
// has valid pixels.
func Aggregate(records []Record) *Record {
	var out Record
	out.Min = math.Inf(1)
	out.Max = math.Inf(-1)

	var weightedMean, weightedVar float64
	for _, r := range records {
		if r.Count == 0 {
			continue
		}
		count := float64(r.Count)
		out.Count += r.Count
		out.Sum += r.Sum
		out.SumSquares += r.SumSquares
		out.Min = math.Min(out.Min, r.Min)
		out.Max = math.Max(out.Max, r.Max)
		weightedMean += r.Mean * count
		weightedVar += r.StdDev * r.StdDev * count
	}
	if out.Count == 0 {
		return nil
	}

	total := float64(out.Count)
	out.Mean = weightedMean / total
	out.StdDev = math.Sqrt(weightedVar / total)
	out.Approximated = true
	return &out
}

// Accumulator collects block records per band during an encode.
type Accumulator struct {
	bands [][]Record
}

// NewAccumulator returns an accumulator for n bands.
func NewAccumulator(n int) *Accumulator {
	return &Accumulator{bands: make([][]Record, n)}
}

// Add records the statistics of one block of band b. Empty records are dropped.
func (a *Accumulator) Add(b int, r Record) {
	if r.Empty() {
		return
	}
	a.bands[b] = append(a.bands[b], r)
}

// Result returns the pooled record of band b, or nil.
func (a *Accumulator) Result(b int) *Record {
	return Aggregate(a.bands[b])
}
