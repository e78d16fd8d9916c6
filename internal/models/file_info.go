package models

import "time"

// FileInfo is the storage-side metadata of an uploaded payload.
type FileInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	UploadedAt  time.Time `json:"uploadedAt"`
	Location    string    `json:"location,omitempty"` // file path or object key
}
