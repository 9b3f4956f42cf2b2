package models

import "time"

type QueueEntry struct {
	ID               string     `json:"id"`
	ClinicID         int64      `json:"clinic_id"`
	QueueDate        string     `json:"queue_date"`
	QueueNumber      int        `json:"queue_number"`
	PatientID        int64      `json:"patient_id"`
	Status           string     `json:"status"`
	CalledAt         *time.Time `json:"called_at,omitempty"`
	ServedAt         *time.Time `json:"served_at,omitempty"`
	EstimatedMinutes *int       `json:"estimated_minutes,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

const (
	StatusWaiting = "WAITING"
	StatusCalled  = "CALLED"
	StatusServed  = "SERVED"
)

// SnapshotEntry is one row of a clinic display, joined with the patient's name.
type SnapshotEntry struct {
	ID               string     `json:"id"`
	QueueNumber      int        `json:"queue_number"`
	PatientID        int64      `json:"patient_id"`
	PatientName      string     `json:"patient_name"`
	Status           string     `json:"status"`
	CalledAt         *time.Time `json:"called_at"`
	ServedAt         *time.Time `json:"served_at"`
	EstimatedMinutes *int       `json:"estimated_minutes,omitempty"`
}

type Snapshot struct {
	ClinicID int64           `json:"clinic_id"`
	Date     string          `json:"date"`
	Queues   []SnapshotEntry `json:"queues"`
}
