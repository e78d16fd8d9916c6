// Package models contains domain types for the document extraction backend.
package models

import "time"

// FileKind is the coarse classification of a selected file.
type FileKind string

const (
	KindPDF      FileKind = "pdf"
	KindImage    FileKind = "image"
	KindDocument FileKind = "document"
	KindText     FileKind = "text"
	KindMarkdown FileKind = "markdown"
)

// FileStatus is the lifecycle state of a FileRecord.
type FileStatus string

const (
	StatusUploaded   FileStatus = "uploaded"
	StatusProcessing FileStatus = "processing"
	StatusExtracting FileStatus = "extracting"
	StatusConverting FileStatus = "converting"
	StatusCompleted  FileStatus = "completed"
	StatusError      FileStatus = "error"
)

// InFlight reports whether the status belongs to a running attempt.
func (s FileStatus) InFlight() bool {
	switch s {
	case StatusProcessing, StatusExtracting, StatusConverting:
		return true
	}
	return false
}

// Terminal reports whether the status ends an attempt.
func (s FileStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// StepStatus is the state of a single ProcessStep.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// ProcessStep is one entry in a record's processing history.
type ProcessStep struct {
	Type      ProcessType `json:"type" msgpack:"type"`
	Status    StepStatus  `json:"status" msgpack:"status"`
	StartedAt *time.Time  `json:"startedAt,omitempty" msgpack:"startedAt,omitempty"`
	EndedAt   *time.Time  `json:"endedAt,omitempty" msgpack:"endedAt,omitempty"`
	Error     string      `json:"error,omitempty" msgpack:"error,omitempty"`
}

// FileRecord is the unit of work tracked by the registry.
// Payload bytes live in the payload store under ID and are never copied here.
type FileRecord struct {
	ID           string            `json:"id" msgpack:"id"`
	Name         string            `json:"name" msgpack:"name"`
	Size         int64             `json:"size" msgpack:"size"`
	ContentType  string            `json:"contentType,omitempty" msgpack:"contentType,omitempty"`
	Kind         FileKind          `json:"kind" msgpack:"kind"`
	Status       FileStatus        `json:"status" msgpack:"status"`
	Progress     int               `json:"progress" msgpack:"progress"`
	ResultText   string            `json:"resultText,omitempty" msgpack:"resultText,omitempty"`
	Images       map[string]string `json:"images,omitempty" msgpack:"images,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty" msgpack:"errorMessage,omitempty"`
	CurrentStep  string            `json:"currentStep,omitempty" msgpack:"currentStep,omitempty"`
	History      []ProcessStep     `json:"history" msgpack:"history"`
	CreatedAt    time.Time         `json:"createdAt" msgpack:"createdAt"`
}

