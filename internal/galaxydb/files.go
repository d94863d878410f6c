package galaxydb

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// directoryHash splits a dataset id into Galaxy's three-digit directory
// levels, dropping the last three digits. Ids below 1000 live in "000".
func directoryHash(id int64) []string {
	s := strconv.FormatInt(id, 10)
	if len(s) < 4 {
		return []string{"000"}
	}
	padded := strings.Repeat("0", 3-len(s)%3) + s
	padded = padded[:len(padded)-3]
	var parts []string
	for i := 0; i+3 <= len(padded); i += 3 {
		parts = append(parts, padded[i:i+3])
	}
	return parts
}

// DatasetPath locates dataset_<id>.dat under fileDir, trying the hashed
// layout first and the flat layout second.
func DatasetPath(fileDir string, datasetID int64) (string, error) {
	name := fmt.Sprintf("dataset_%d.dat", datasetID)

	hashed := filepath.Join(append(append([]string{fileDir}, directoryHash(datasetID)...), name)...)
	if st, err := os.Stat(hashed); err == nil && st.Mode().IsRegular() {
		return hashed, nil
	}

	flat := filepath.Join(fileDir, name)
	if st, err := os.Stat(flat); err == nil && st.Mode().IsRegular() {
		return flat, nil
	}

	return "", fmt.Errorf("dataset %s: %w", name, ErrNotFound)
}

// TOS statuses.
const (
	TOSGrace    = "grace"
	TOSAccepted = "accepted"
	TOSExpired  = "expired"
)

// TOSReport is what the /tos endpoint reports.
type TOSReport struct {
	Status      string `json:"status"`
	GracePeriod string `json:"grace_period,omitempty"`
}

// Report evaluates t at now. A user without a record is in a fresh grace
// period of graceDays. Expiry is reported, not persisted.
func (t *TOS) Report(now time.Time, graceDays int) TOSReport {
	status := t.Status
	deadline := t.TOSDate
	if !t.Found {
		status = TOSGrace
		deadline = now.Add(time.Duration(graceDays) * 24 * time.Hour)
	}
	if status != TOSGrace {
		return TOSReport{Status: status}
	}

	left := deadline.Sub(now)
	if left < 0 {
		return TOSReport{Status: TOSExpired}
	}
	days := int(left / (24 * time.Hour))
	return TOSReport{Status: TOSGrace, GracePeriod: fmt.Sprintf("%d days", days+1)}
}
