package parseclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Dialect names one of the response shapes the parsing backends produce.
type Dialect string

const (
	DialectFlat  Dialect = "flat"
	DialectKeyed Dialect = "keyed"
	DialectBatch Dialect = "batch"
)

// Decoded is the normalized content of a successful response.
type Decoded struct {
	Dialect   Dialect
	Text      string
	Images    map[string]string
	OutputDir string
}

// ErrNoText is returned when a response is well formed but carries no usable
// markdown.
var ErrNoText = errors.New("response contained no extracted text")

// Document is a decoded response object, keyed by top-level field.
type Document map[string]json.RawMessage

// Shape recognizes and decodes one response dialect. Register extra shapes
// on a Decoder, or through Config.Shapes, to support another backend.
type Shape interface {
	Name() Dialect
	Match(doc Document) bool
	Decode(doc Document, fileName string) (Decoded, error)
}

// Decoder tries each registered dialect in order; the first match wins.
type Decoder struct {
	dialects []Shape
}

// NewDecoder returns a decoder for the batch, keyed and flat shapes, in that
// priority order.
func NewDecoder() *Decoder {
	return &Decoder{
		dialects: []Shape{
			batchDialect{},
			keyedDialect{},
			flatDialect{},
		},
	}
}

// Register appends a shape with the lowest priority.
func (d *Decoder) Register(s Shape) {
	d.dialects = append(d.dialects, s)
}

// Decode interprets a response body for the file that produced it.
func (d *Decoder) Decode(body []byte, fileName string) (Decoded, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return Decoded{}, fmt.Errorf("invalid JSON response: %w", err)
	}
	if doc == nil {
		return Decoded{}, errors.New("empty response body")
	}

	doc, err := unwrapEnvelope(doc)
	if err != nil {
		return Decoded{}, err
	}

	for _, dl := range d.dialects {
		if dl.Match(doc) {
			return dl.Decode(doc, fileName)
		}
	}
	return Decoded{}, fmt.Errorf("unrecognized response shape (keys: %s)", strings.Join(doc.keys(), ", "))
}

// unwrapEnvelope strips the {success, data} wrapper some backends add and
// surfaces an explicit success=false as an error.
func unwrapEnvelope(doc Document) (Document, error) {
	raw, ok := doc["success"]
	if !ok {
		return doc, nil
	}
	var success bool
	if err := json.Unmarshal(raw, &success); err != nil {
		return doc, nil
	}
	if !success {
		msg := doc.firstString("error", "detail", "message")
		if msg == "" {
			msg = "backend reported failure"
		}
		return nil, errors.New(msg)
	}
	if data, ok := doc["data"]; ok {
		var inner Document
		if err := json.Unmarshal(data, &inner); err == nil && inner != nil {
			return inner, nil
		}
	}
	return doc, nil
}

// batchDialect: {output_dir, results:{name:{md_content, images}}}
type batchDialect struct{}

func (batchDialect) Name() Dialect { return DialectBatch }

func (batchDialect) Match(doc Document) bool {
	_, hasDir := doc["output_dir"]
	_, hasResults := doc["results"]
	return hasDir && hasResults
}

func (batchDialect) Decode(doc Document, fileName string) (Decoded, error) {
	out := Decoded{Dialect: DialectBatch, OutputDir: doc.firstString("output_dir")}

	entries, err := decodeResults(doc["results"])
	if err != nil {
		return Decoded{}, err
	}
	if entry, ok := pickEntry(entries, fileName); ok {
		if err := entry.failure(); err != nil {
			return Decoded{}, err
		}
		out.Text = entry.MDContent
		out.Images = entry.Images
	}
	// empty text is resolved through the output read-back
	if out.Text == "" && out.OutputDir == "" {
		return Decoded{}, ErrNoText
	}
	return out, nil
}

// keyedDialect: {results:{name:{md_content, images, status?, error_message?}}}
type keyedDialect struct{}

func (keyedDialect) Name() Dialect { return DialectKeyed }

func (keyedDialect) Match(doc Document) bool {
	raw, ok := doc["results"]
	if !ok {
		return false
	}
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{")
}

func (keyedDialect) Decode(doc Document, fileName string) (Decoded, error) {
	entries, err := decodeResults(doc["results"])
	if err != nil {
		return Decoded{}, err
	}
	entry, ok := pickEntry(entries, fileName)
	if !ok {
		return Decoded{}, fmt.Errorf("no result for %s", fileName)
	}
	if err := entry.failure(); err != nil {
		return Decoded{}, err
	}
	if entry.MDContent == "" {
		return Decoded{}, ErrNoText
	}
	return Decoded{Dialect: DialectKeyed, Text: entry.MDContent, Images: entry.Images}, nil
}

// flatDialect: {status, extracted_text, error_message?} or {md_content, status}
type flatDialect struct{}

func (flatDialect) Name() Dialect { return DialectFlat }

func (flatDialect) Match(doc Document) bool {
	for _, k := range []string{"extracted_text", "md_content", "status"} {
		if _, ok := doc[k]; ok {
			return true
		}
	}
	return false
}

func (flatDialect) Decode(doc Document, _ string) (Decoded, error) {
	status := strings.ToLower(doc.firstString("status"))
	msg := doc.firstString("error_message", "error")
	if status == "error" || status == "failed" {
		if msg == "" {
			msg = "backend reported status " + status
		}
		return Decoded{}, errors.New(msg)
	}

	text := doc.firstString("extracted_text", "md_content")
	if text == "" {
		if msg != "" {
			return Decoded{}, errors.New(msg)
		}
		return Decoded{}, ErrNoText
	}
	return Decoded{Dialect: DialectFlat, Text: text}, nil
}

type resultEntry struct {
	MDContent    string            `json:"md_content"`
	Images       map[string]string `json:"images"`
	Status       string            `json:"status"`
	ErrorMessage string            `json:"error_message"`
}

func (e resultEntry) failure() error {
	s := strings.ToLower(e.Status)
	if s == "" || s == "success" || s == "completed" || s == "ok" {
		return nil
	}
	if e.ErrorMessage != "" {
		return errors.New(e.ErrorMessage)
	}
	return fmt.Errorf("backend reported status %s", e.Status)
}

func decodeResults(raw json.RawMessage) (map[string]resultEntry, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]resultEntry{}, nil
	}
	var entries map[string]resultEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding results: %w", err)
	}
	return entries, nil
}

// pickEntry chooses the result for fileName: exact key, key without the
// extension, the only entry, or the first key in sorted order.
func pickEntry(entries map[string]resultEntry, fileName string) (resultEntry, bool) {
	if len(entries) == 0 {
		return resultEntry{}, false
	}
	if e, ok := entries[fileName]; ok {
		return e, true
	}
	if e, ok := entries[strings.TrimSuffix(fileName, path.Ext(fileName))]; ok {
		return e, true
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return entries[keys[0]], true
}

func (d Document) firstString(keys ...string) string {
	for _, k := range keys {
		raw, ok := d[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

func (d Document) keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
