// Package registry holds the file record collection and the pure transitions
// that produce each new version of it.
package registry

import (
	"maps"
	"path"
	"strings"
	"time"

	"github.com/doc-extract/backend/internal/models"
)

// Source describes a selected file before it is registered.
type Source struct {
	Name        string
	Size        int64
	ContentType string
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status       *models.FileStatus
	Progress     *int
	ResultText   *string
	Images       map[string]string
	ErrorMessage *string
	CurrentStep  *string
}

// Processing marks a record in flight at the given progress and step.
func Processing(progress int, step string) Patch {
	s := models.StatusProcessing
	return Patch{Status: &s, Progress: &progress, CurrentStep: &step}
}

// Progress moves progress and step without changing status.
func Progress(progress int, step string) Patch {
	p := Patch{Progress: &progress}
	if step != "" {
		p.CurrentStep = &step
	}
	return p
}

// Completed marks a record done with its extracted text.
func Completed(text string, images map[string]string) Patch {
	s := models.StatusCompleted
	progress := 100
	step := ""
	return Patch{Status: &s, Progress: &progress, ResultText: &text, Images: images, CurrentStep: &step}
}

// Failed marks a record as errored with a message.
func Failed(message string) Patch {
	s := models.StatusError
	progress := 0
	step := ""
	return Patch{Status: &s, Progress: &progress, ErrorMessage: &message, CurrentStep: &step}
}

// DetectKind classifies a file by declared content type, falling back to the
// file extension. Anything unrecognized is treated as text.
func DetectKind(name, contentType string) models.FileKind {
	ct := strings.ToLower(contentType)
	ext := strings.ToLower(path.Ext(name))

	switch {
	case ct == "application/pdf" || ext == ".pdf":
		return models.KindPDF
	case strings.HasPrefix(ct, "image/"):
		return models.KindImage
	case ext == ".md" || ext == ".markdown":
		return models.KindMarkdown
	case ext == ".txt":
		return models.KindText
	case strings.Contains(ct, "document") || ext == ".doc" || ext == ".docx":
		return models.KindDocument
	default:
		return models.KindText
	}
}

// Create builds a fresh record in the uploaded state.
func Create(src Source, id string) models.FileRecord {
	return models.FileRecord{
		ID:          id,
		Name:        src.Name,
		Size:        src.Size,
		ContentType: src.ContentType,
		Kind:        DetectKind(src.Name, src.ContentType),
		Status:      models.StatusUploaded,
		Progress:    0,
		History:     []models.ProcessStep{},
		CreatedAt:   time.Now(),
	}
}

// Find returns the record with the given id.
func Find(records []models.FileRecord, id string) (models.FileRecord, bool) {
	if i := indexOf(records, id); i >= 0 {
		return records[i], true
	}
	return models.FileRecord{}, false
}

// UpdateStatus merges p into the record with the given id. An unknown id, or
// a patch that changes nothing, returns the input unchanged.
func UpdateStatus(records []models.FileRecord, id string, p Patch) []models.FileRecord {
	i := indexOf(records, id)
	if i < 0 {
		return records
	}

	rec := records[i]
	prev := rec.Status

	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.Progress != nil {
		v := clampProgress(*p.Progress)
		// progress never goes backwards inside one attempt
		if prev.InFlight() && rec.Status.InFlight() && v < rec.Progress {
			v = rec.Progress
		}
		rec.Progress = v
	}
	if p.ResultText != nil {
		rec.ResultText = *p.ResultText
	}
	if p.Images != nil {
		rec.Images = copyImages(p.Images)
	}
	if p.ErrorMessage != nil {
		rec.ErrorMessage = *p.ErrorMessage
	}
	if p.CurrentStep != nil {
		rec.CurrentStep = *p.CurrentStep
	}

	switch rec.Status {
	case models.StatusCompleted:
		rec.ErrorMessage = ""
	case models.StatusError:
		rec.ResultText = ""
		rec.Images = nil
	}

	if sameState(records[i], rec) {
		return records
	}
	return replaceAt(records, i, rec)
}

// AppendHistoryStep appends a step to the record's history. Running steps get
// a start time, completed and failed steps an end time.
func AppendHistoryStep(records []models.FileRecord, id string, step models.ProcessStep) []models.FileRecord {
	i := indexOf(records, id)
	if i < 0 {
		return records
	}

	now := time.Now()
	switch step.Status {
	case models.StepRunning:
		step.StartedAt = &now
	case models.StepCompleted, models.StepFailed:
		step.EndedAt = &now
	}

	rec := records[i]
	history := make([]models.ProcessStep, len(rec.History), len(rec.History)+1)
	copy(history, rec.History)
	rec.History = append(history, step)

	return replaceAt(records, i, rec)
}

// Remove drops the record with the given id.
func Remove(records []models.FileRecord, id string) []models.FileRecord {
	i := indexOf(records, id)
	if i < 0 {
		return records
	}
	out := make([]models.FileRecord, 0, len(records)-1)
	out = append(out, records[:i]...)
	return append(out, records[i+1:]...)
}

// Reset returns a completed or errored record to the uploaded state for
// another attempt. History is kept. Records in any other state are left
// alone, so a record already claimed by a batch is never claimed twice.
func Reset(records []models.FileRecord, id string) []models.FileRecord {
	i := indexOf(records, id)
	if i < 0 || !records[i].Status.Terminal() {
		return records
	}
	rec := records[i]
	rec.Status = models.StatusUploaded
	rec.Progress = 0
	rec.ErrorMessage = ""
	rec.ResultText = ""
	rec.Images = nil
	rec.CurrentStep = ""
	return replaceAt(records, i, rec)
}

// ApplyEvent folds a pushed status event into the collection. Events for
// unknown ids and unknown event types are dropped.
func ApplyEvent(records []models.FileRecord, ev models.StatusEvent) []models.FileRecord {
	rec, ok := Find(records, ev.FileID)
	if !ok {
		return records
	}

	switch ev.Type {
	case models.EventProgress:
		if !rec.Status.InFlight() || ev.Progress == nil {
			return records
		}
		return UpdateStatus(records, ev.FileID, Progress(*ev.Progress, ev.Step))

	case models.EventCompletion:
		p := Completed(ev.ResultText(), nil)
		if *p.ResultText == "" {
			// a completion without text only stands if a result already exists
			if rec.ResultText == "" {
				return records
			}
			p.ResultText = nil
		}
		return UpdateStatus(records, ev.FileID, p)

	case models.EventError:
		msg := ev.Error
		if msg == "" {
			msg = "processing failed"
		}
		return UpdateStatus(records, ev.FileID, Failed(msg))
	}

	return records
}

func indexOf(records []models.FileRecord, id string) int {
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}

// sameState reports whether b carries the same mutable state as a.
func sameState(a, b models.FileRecord) bool {
	return a.Status == b.Status &&
		a.Progress == b.Progress &&
		a.ResultText == b.ResultText &&
		a.ErrorMessage == b.ErrorMessage &&
		a.CurrentStep == b.CurrentStep &&
		maps.Equal(a.Images, b.Images)
}

func replaceAt(records []models.FileRecord, i int, rec models.FileRecord) []models.FileRecord {
	out := make([]models.FileRecord, len(records))
	copy(out, records)
	out[i] = rec
	return out
}

func clampProgress(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func copyImages(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
