// Package parseclient submits a single file to a remote parsing backend and
// normalizes whatever comes back into a Result. It never returns errors:
// every failure is reported as an unsuccessful Result.
package parseclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/doc-extract/backend/internal/models"
)

// DefaultTimeout bounds a single parse request.
const DefaultTimeout = 5 * time.Minute

// Variant selects the request encoding of the backend.
type Variant string

const (
	// VariantExtract posts multipart {file, file_id} to the extract-text API.
	VariantExtract Variant = "extract"
	// VariantMinerU posts multipart {files, return_md, ...} to /file_parse.
	VariantMinerU Variant = "mineru"
	// VariantGPU posts JSON {file: base64, options} to /predict.
	VariantGPU Variant = "gpu"
)

// ParseVariant validates a variant name. Empty means extract.
func ParseVariant(s string) (Variant, error) {
	switch Variant(strings.ToLower(s)) {
	case "":
		return VariantExtract, nil
	case VariantExtract, VariantMinerU, VariantGPU:
		return Variant(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("unknown backend variant: %q", s)
}

func (v Variant) defaultParsePath() string {
	switch v {
	case VariantMinerU:
		return "/file_parse"
	case VariantGPU:
		return "/predict"
	default:
		return "/api/extract-text"
	}
}

func (v Variant) defaultHealthPath() string {
	switch v {
	case VariantMinerU:
		return "/docs"
	case VariantGPU:
		return "/health"
	default:
		return "/"
	}
}

// Config describes one parsing backend.
type Config struct {
	BaseURL    string
	Variant    Variant
	ParsePath  string
	HealthPath string
	// OutputURL is the read-back endpoint queried with ?path=. Empty
	// disables the fallback.
	OutputURL string
	Timeout   time.Duration
	// MaxConns sizes the connection pool; usually the scheduler window.
	MaxConns int
	// Shapes are tried after the built-in dialects.
	Shapes []Shape
}

func (c Config) withDefaults() Config {
	if c.Variant == "" {
		c.Variant = VariantExtract
	}
	if c.ParsePath == "" {
		c.ParsePath = c.Variant.defaultParsePath()
	}
	if c.HealthPath == "" {
		c.HealthPath = c.Variant.defaultHealthPath()
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Payload is the file handed to the backend.
type Payload struct {
	FileID      string
	Name        string
	ContentType string
	Data        []byte
}

// Result is the normalized outcome of one parse call.
type Result struct {
	Success   bool
	Text      string
	Images    map[string]string
	Error     string
	Dialect   Dialect
	OutputDir string
}

func failed(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Parser is what the scheduler calls for each file.
type Parser interface {
	Parse(ctx context.Context, p Payload, opts models.ParseOptions) Result
}
