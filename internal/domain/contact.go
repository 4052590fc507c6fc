package domain

import "time"

// TrustedContact is a directory entry eligible to receive safety notifications.
type TrustedContact struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"name"`
	Address     string `json:"address" yaml:"address"`
}

// Position is an opaque coordinate snapshot supplied by the caller.
type Position struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_m,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}
