package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GriffinCanCode/egm-detector/internal/matcher"
)

// Result is the outcome of one detection cycle. Its JSON form is the status
// file consumed by external tools.
type Result struct {
	State   string                    `json:"state"`
	Matches map[string]matcher.Result `json:"matches"`
	// Timestamp is seconds since the Unix epoch.
	Timestamp float64 `json:"timestamp"`
	// Candidate is the raw per-frame pick before debouncing.
	Candidate string `json:"candidate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Time returns Timestamp as a time.Time.
func (r Result) Time() time.Time {
	sec := int64(r.Timestamp)
	return time.Unix(sec, int64((r.Timestamp-float64(sec))*1e9))
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Event is emitted when the stabilized state changes.
type Event struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Result Result `json:"result"`
}

// WriteStatus writes v as JSON to path through a temp file and rename so
// readers never observe a partial file.
func WriteStatus(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	name := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename status: %w", err)
	}
	return nil
}

// ReadStatus loads a status file written by WriteStatus.
func ReadStatus(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("decode status %s: %w", path, err)
	}
	return r, nil
}
