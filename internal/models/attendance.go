package models

import (
	"time"
)

type AttendanceEvent struct {
	ID         int64     `json:"id" db:"id"`
	IdentityID int64     `json:"identity_id" db:"identity_id"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
}

// AttendanceRow groups one identity's events inside a query window.
type AttendanceRow struct {
	IdentityID  int64
	Name        string
	Kind        Kind
	Affiliation string
	Events      []AttendanceEvent
}

// RecordedEvent is published when the tracker writes a new attendance event.
type RecordedEvent struct {
	EventID    string    `json:"event_id"`
	IdentityID int64     `json:"identity_id"`
	Name       string    `json:"name"`
	Score      float64   `json:"score"`
	Timestamp  time.Time `json:"timestamp"`
}

// GalleryCommand is the control message that asks trackers to rebuild their gallery.
type GalleryCommand struct {
	Action     string `json:"action"` // reload, reset
	Reason     string `json:"reason"`
	IdentityID int64  `json:"identity_id,omitempty"`
}

const (
	GalleryActionReload = "reload"
	// GalleryActionReset drops the session's last-detected cache as well as reloading.
	GalleryActionReset = "reset"
)
