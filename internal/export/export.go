// Package export materialises the telemetry history as a CSV table.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shaunagostinho/drostage/internal/telemetry"
)

// Header is the first row of every export.
var Header = []string{"No", "Pulse", "DRO", "Time"}

// WriteCSV writes one row per record: move sequence id, pulse position,
// DRO in millimetres and elapsed milliseconds since session start.
func WriteCSV(w io.Writer, recs []telemetry.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("export: header: %w", err)
	}
	for i, r := range recs {
		if err := cw.Write(row(r)); err != nil {
			return fmt.Errorf("export: row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func row(r telemetry.Record) []string {
	return []string{
		strconv.Itoa(r.Seq),
		strconv.FormatFloat(r.Pulse, 'f', -1, 64),
		strconv.FormatFloat(r.DROmm(), 'f', -1, 64),
		strconv.FormatInt(r.ElapsedMs, 10),
	}
}

// Filename names an export taken at t.
func Filename(t time.Time) string {
	return fmt.Sprintf("dro_%s.csv", t.Format("02012006_150405"))
}
