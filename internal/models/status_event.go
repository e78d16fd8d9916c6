package models

import (
	"encoding/json"
	"strings"
)

// Status event types pushed over the live status socket.
const (
	EventProgress   = "progress_update"
	EventCompletion = "completion_update"
	EventError      = "error_update"
)

// StatusEvent is the envelope of a pushed per-file status update.
type StatusEvent struct {
	Type     string          `json:"type"`
	FileID   string          `json:"file_id"`
	Progress *int            `json:"progress,omitempty"`
	Step     string          `json:"step,omitempty"`
	Status   string          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ResultText extracts the markdown carried by a completion event. The result
// is either a bare string or an object with one of the known text fields.
func (e StatusEvent) ResultText() string {
	raw := strings.TrimSpace(string(e.Result))
	if raw == "" || raw == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(e.Result, &s); err == nil {
		return s
	}

	var obj struct {
		ExtractedText string `json:"extracted_text"`
		MDContent     string `json:"md_content"`
		Markdown      string `json:"markdown"`
	}
	if err := json.Unmarshal(e.Result, &obj); err != nil {
		return ""
	}
	switch {
	case obj.ExtractedText != "":
		return obj.ExtractedText
	case obj.MDContent != "":
		return obj.MDContent
	default:
		return obj.Markdown
	}
}
