package domain

import "time"

type HistoryEntry struct {
	JobID          string    `json:"job_id"`
	FileName       string    `json:"file_name"`
	Format         string    `json:"format"`
	OriginalBytes  int       `json:"original_bytes"`
	ConvertedBytes int       `json:"converted_bytes"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	ConvertedAt    time.Time `json:"converted_at"`
}

// Preset is a named policy and quality pair.
type Preset struct {
	Name    string       `json:"name" yaml:"name"`
	Policy  ResizePolicy `json:"policy" yaml:"policy"`
	Quality float64      `json:"quality" yaml:"quality"`
	BuiltIn bool         `json:"built_in" yaml:"-"`
}
