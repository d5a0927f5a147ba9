package raquet

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// BandSummary is the per-band part of a Summary.
type BandSummary struct {
	Info BandInfo
	// Blocks is the number of rows with a non-null payload for the band.
	Blocks int
	// Bytes is the total stored (compressed) payload size.
	Bytes int64
}

// Summary describes a table for humans.
type Summary struct {
	Metadata *Metadata
	Rows     int
	Bands    []BandSummary
}

// Inspect summarizes t. It fails with ErrNotRaquet when t is not a valid table.
func Inspect(t *Table) (*Summary, error) {
	if err := Detect(t); err != nil {
		return nil, err
	}
	md, err := t.Metadata()
	if err != nil {
		return nil, err
	}

	s := &Summary{Metadata: md, Rows: len(t.Rows)}
	s.Bands = make([]BandSummary, len(md.Bands))
	for i, b := range md.Bands {
		s.Bands[i].Info = b
	}
	for _, row := range t.DataRows() {
		for i, payload := range row.Bands {
			if i >= len(s.Bands) || payload == nil {
				continue
			}
			s.Bands[i].Blocks++
			s.Bands[i].Bytes += int64(len(payload))
		}
	}
	return s, nil
}

// Write prints the summary as aligned text.
func (s *Summary) Write(w io.Writer) error {
	md := s.Metadata
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Version:\t%s\n", md.Version)
	fmt.Fprintf(tw, "Compression:\t%s\n", md.CompressionMode())
	fmt.Fprintf(tw, "Size:\t%d x %d\n", md.Width, md.Height)
	fmt.Fprintf(tw, "Block size:\t%d x %d\n", md.BlockWidth, md.BlockHeight)
	fmt.Fprintf(tw, "Resolution:\t%d..%d (pixel resolution %d)\n", md.MinResolution, md.MaxResolution, md.PixelResolution)
	fmt.Fprintf(tw, "Bounds:\t%.6f, %.6f, %.6f, %.6f\n", md.Bounds[0], md.Bounds[1], md.Bounds[2], md.Bounds[3])
	fmt.Fprintf(tw, "Center:\t%.6f, %.6f @ %g\n", md.Center[0], md.Center[1], md.Center[2])
	fmt.Fprintf(tw, "Blocks:\t%d (%d pixels)\n", md.NumBlocks, md.NumPixels)
	fmt.Fprintf(tw, "Rows:\t%d\n", s.Rows)
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BAND\tTYPE\tNODATA\tBLOCKS\tBYTES\tMIN\tMAX\tMEAN\tSTDDEV")
	for _, b := range s.Bands {
		nodata := "-"
		if b.Info.Nodata != nil {
			nodata = *b.Info.Nodata
		}
		statCols := strings.Repeat("-\t", 3) + "-"
		if st := b.Info.Stats; st != nil {
			statCols = fmt.Sprintf("%g\t%g\t%.4f\t%.4f", st.Min, st.Max, st.Mean, st.StdDev)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", b.Info.Name, b.Info.Type, nodata, b.Blocks, b.Bytes, statCols)
	}
	return tw.Flush()
}
