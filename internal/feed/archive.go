package feed

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Archive writes each fetched payload to Dir as results_YYYYMMDD_HHMMSS.json.
type Archive struct {
	Dir string
	now func() time.Time
}

type archiveRecord struct {
	Timestamp      string          `json:"timestamp"`
	DateTime       string          `json:"datetime"`
	CompaniesCount int             `json:"companies_count"`
	Companies      []string        `json:"companies"`
	RawData        json.RawMessage `json:"raw_data"`
}

// Save stores raw together with the names of the companies kept this cycle
// and returns the written path.
func (a *Archive) Save(raw json.RawMessage, companies []string) (string, error) {
	now := time.Now()
	if a.now != nil {
		now = a.now()
	}
	if companies == nil {
		companies = []string{}
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	stamp := now.Format("20060102_150405")
	rec := archiveRecord{
		Timestamp:      stamp,
		DateTime:       now.Format(time.RFC3339),
		CompaniesCount: len(companies),
		Companies:      companies,
		RawData:        raw,
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(a.Dir, "results_"+stamp+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return path, nil
}
