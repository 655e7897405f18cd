package models

import "time"

// JobEvent is one state transition of a queued job
type JobEvent struct {
	Queue      string    `json:"queue" ch:"queue"`
	JobID      string    `json:"jobId" ch:"job_id"`
	InstanceID string    `json:"instanceId" ch:"instance_id"`
	State      string    `json:"state" ch:"state"`
	Attempt    int       `json:"attempt" ch:"attempt"`
	Error      string    `json:"error,omitempty" ch:"error"`
	At         time.Time `json:"at" ch:"at"`
}
