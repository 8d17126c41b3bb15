package report

import (
	"encoding/json"
	"fmt"
	"io"
)

func WriteScanJSON(w io.Writer, r ScanReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// ReadScanJSON reads a report written by WriteScanJSON.
func ReadScanJSON(rd io.Reader) (ScanReport, error) {
	var r ScanReport
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return ScanReport{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}
