package parseclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Output listing types returned by the read-back endpoint.
const (
	OutputDirectoryList    = "directory_list"
	OutputDirectoryContent = "directory_content"
	OutputFileContent      = "file_content"
)

// OutputItem is one entry of a directory listing.
type OutputItem struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// OutputData is the payload of a read-back response.
type OutputData struct {
	Type    string       `json:"type"`
	Path    string       `json:"path,omitempty"`
	Items   []OutputItem `json:"items,omitempty"`
	Content string       `json:"content,omitempty"`
	Size    int64        `json:"size,omitempty"`
}

// OutputResponse is the envelope of the read-back endpoint.
type OutputResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    *OutputData `json:"data,omitempty"`
}

// OutputReader fetches markdown a backend wrote to its output directory
// instead of returning it inline.
type OutputReader struct {
	endpoint string
	http     *http.Client
}

// NewOutputReader creates a reader for the given endpoint URL.
func NewOutputReader(endpoint string, client *http.Client) *OutputReader {
	if client == nil {
		client = http.DefaultClient
	}
	return &OutputReader{endpoint: endpoint, http: client}
}

// ReadMarkdown locates the markdown produced for fileName under outputDir.
// It tries <dir>/<base>/auto/<base>.md, then <dir>/<base>.md, then the first
// .md file found at most one directory below <dir>/<base>.
func (r *OutputReader) ReadMarkdown(ctx context.Context, outputDir, fileName string) (string, error) {
	rel := RelativeOutputPath(outputDir)
	base := strings.TrimSuffix(path.Base(fileName), path.Ext(fileName))

	for _, candidate := range []string{
		path.Join(rel, base, "auto", base+".md"),
		path.Join(rel, base+".md"),
	} {
		data, err := r.Fetch(ctx, candidate)
		if err == nil && data.Type == OutputFileContent && data.Content != "" {
			return data.Content, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	dir := path.Join(rel, base)
	listing, err := r.Fetch(ctx, dir)
	if err != nil {
		return "", fmt.Errorf("no markdown under %s: %w", dir, err)
	}
	if content, ok := r.searchListing(ctx, listing, 1); ok {
		return content, nil
	}
	return "", fmt.Errorf("no markdown under %s", dir)
}

func (r *OutputReader) searchListing(ctx context.Context, listing OutputData, depth int) (string, bool) {
	if listing.Type != OutputDirectoryContent && listing.Type != OutputDirectoryList {
		return "", false
	}
	for _, item := range listing.Items {
		if item.Type == "file" && strings.EqualFold(path.Ext(item.Name), ".md") {
			data, err := r.Fetch(ctx, item.Path)
			if err == nil && data.Content != "" {
				return data.Content, true
			}
		}
	}
	if depth == 0 {
		return "", false
	}
	for _, item := range listing.Items {
		if item.Type != "directory" {
			continue
		}
		sub, err := r.Fetch(ctx, item.Path)
		if err != nil {
			continue
		}
		if content, ok := r.searchListing(ctx, sub, depth-1); ok {
			return content, true
		}
	}
	return "", false
}

// Fetch queries the endpoint for one relative path. An empty path lists the
// output root.
func (r *OutputReader) Fetch(ctx context.Context, rel string) (OutputData, error) {
	target := r.endpoint
	if rel != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + url.Values{"path": {rel}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return OutputData{}, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return OutputData{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return OutputData{}, fmt.Errorf("output endpoint returned %d: %s", resp.StatusCode, errorDetail(data))
	}

	var out OutputResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return OutputData{}, fmt.Errorf("decoding output response: %w", err)
	}
	if !out.Success || out.Data == nil {
		if out.Error == "" {
			out.Error = "output lookup failed"
		}
		return OutputData{}, errors.New(out.Error)
	}
	return *out.Data, nil
}

// RelativeOutputPath maps a backend output directory onto a path relative to
// the read-back root. Backends report absolute paths ending in .../output/<run>.
func RelativeOutputPath(outputDir string) string {
	p := strings.ReplaceAll(strings.TrimSpace(outputDir), "\\", "/")
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	if i := strings.LastIndex(p, "/output/"); i >= 0 {
		p = p[i+len("/output/"):]
	} else if strings.HasPrefix(p, "output/") {
		p = strings.TrimPrefix(p, "output/")
	} else if path.Base(p) == "output" {
		return ""
	} else if path.IsAbs(p) || strings.Contains(p, ":") {
		p = path.Base(p)
	}
	p = path.Clean(p)
	if p == "." || p == "/" {
		return ""
	}
	return p
}
