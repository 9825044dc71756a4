package dto

import (
	"time"

	"github.com/ffsho/AttendanceSystem/internal/models"
)

// AttendanceQuery selects a window of local calendar dates (YYYY-MM-DD, inclusive).
type AttendanceQuery struct {
	From string `form:"from"`
	To   string `form:"to"`
}

type AttendanceRow struct {
	IdentityID  int64       `json:"identity_id"`
	Name        string      `json:"name"`
	Kind        models.Kind `json:"kind"`
	Affiliation string      `json:"affiliation,omitempty"`
	Events      []Event     `json:"events"`
}

type Event struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
}

type AttendanceListResponse struct {
	Rows  []AttendanceRow `json:"rows"`
	Total int             `json:"total"`
	From  string          `json:"from,omitempty"`
	To    string          `json:"to,omitempty"`
}

// NewAttendanceList renders rows with timestamps in loc.
func NewAttendanceList(rows []models.AttendanceRow, loc *time.Location) AttendanceListResponse {
	resp := AttendanceListResponse{Rows: make([]AttendanceRow, 0, len(rows)), Total: len(rows)}
	for _, r := range rows {
		row := AttendanceRow{
			IdentityID:  r.IdentityID,
			Name:        r.Name,
			Kind:        r.Kind,
			Affiliation: r.Affiliation,
			Events:      make([]Event, 0, len(r.Events)),
		}
		for _, ev := range r.Events {
			row.Events = append(row.Events, Event{ID: ev.ID, Timestamp: ev.Timestamp.In(loc).Format(timeFormat)})
		}
		resp.Rows = append(resp.Rows, row)
	}
	return resp
}

// WSEvent is a WebSocket message for real-time attendance delivery.
type WSEvent struct {
	Type string               `json:"type"` // attendance_recorded
	Data models.RecordedEvent `json:"data"`
}

const WSAttendanceRecorded = "attendance_recorded"
