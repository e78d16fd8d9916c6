package parseclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/doc-extract/backend/internal/models"
)

// maxErrorBody caps how much of a failed response is kept in the message.
const maxErrorBody = 1024

// Client is the HTTP implementation of Parser.
type Client struct {
	cfg     Config
	http    *http.Client
	decoder *Decoder
	output  *OutputReader
	logger  *zap.Logger
}

// New creates a client for the configured backend.
func New(cfg Config, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := newHTTPClient(cfg.MaxConns)

	decoder := NewDecoder()
	for _, shape := range cfg.Shapes {
		decoder.Register(shape)
	}

	c := &Client{
		cfg:     cfg,
		http:    httpClient,
		decoder: decoder,
		logger:  logger,
	}
	if cfg.OutputURL != "" {
		c.output = NewOutputReader(cfg.OutputURL, httpClient)
	}
	return c
}

func newHTTPClient(maxConns int) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxConnsPerHost:     max(maxConns, 4),
		MaxIdleConnsPerHost: max(maxConns, 4),
		MaxIdleConns:        max(maxConns*2, 32),
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Transport: transport}
}


// Parse submits one file and normalizes the response.
func (c *Client) Parse(ctx context.Context, p Payload, opts models.ParseOptions) Result {
	start := time.Now()
	log := c.logger.With(zap.String("file_id", p.FileID), zap.String("file", p.Name))

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	res := c.do(reqCtx, ctx, p, opts)
	if res.Success {
		log.Debug("parse succeeded",
			zap.String("dialect", string(res.Dialect)),
			zap.Int("text_length", len(res.Text)),
			zap.Duration("elapsed", time.Since(start)))
	} else {
		log.Warn("parse failed", zap.String("error", res.Error), zap.Duration("elapsed", time.Since(start)))
	}
	return res
}

func (c *Client) do(reqCtx, parent context.Context, p Payload, opts models.ParseOptions) Result {
	req, err := c.newRequest(reqCtx, p, opts)
	if err != nil {
		return failed("building request: %v", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportFailure(reqCtx, parent, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return failed("server returned %d: %s", resp.StatusCode, errorDetail(data))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportFailure(reqCtx, parent, err)
	}

	decoded, err := c.decoder.Decode(body, p.Name)
	if err != nil {
		return failed("%v", err)
	}

	if decoded.Text == "" && decoded.OutputDir != "" {
		if c.output == nil {
			return failed("%v (output read-back disabled)", ErrNoText)
		}
		text, err := c.output.ReadMarkdown(reqCtx, decoded.OutputDir, p.Name)
		if err != nil {
			if reqCtx.Err() != nil {
				return c.transportFailure(reqCtx, parent, err)
			}
			return failed("reading output for %s: %v", p.Name, err)
		}
		decoded.Text = text
	}

	return Result{
		Success:   true,
		Text:      decoded.Text,
		Images:    decoded.Images,
		Dialect:   decoded.Dialect,
		OutputDir: decoded.OutputDir,
	}
}

func (c *Client) transportFailure(reqCtx, parent context.Context, err error) Result {
	if parent.Err() != nil {
		return failed("request canceled: %v", parent.Err())
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return failed("request timed out after %s", c.cfg.Timeout)
	}
	return failed("request failed: %v", err)
}

func (c *Client) newRequest(ctx context.Context, p Payload, opts models.ParseOptions) (*http.Request, error) {
	url := c.cfg.BaseURL + c.cfg.ParsePath

	var (
		body        io.Reader
		contentType string
		err         error
	)
	switch c.cfg.Variant {
	case VariantGPU:
		body, contentType, err = encodeGPU(p, opts)
	case VariantMinerU:
		body, contentType, err = encodeMinerU(p, opts)
	default:
		body, contentType, err = encodeExtract(p)
	}
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func encodeExtract(p Payload) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := writeFilePart(w, "file", p); err != nil {
		return nil, "", err
	}
	if p.FileID != "" {
		if err := w.WriteField("file_id", p.FileID); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

func encodeMinerU(p Payload, opts models.ParseOptions) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := writeFilePart(w, "files", p); err != nil {
		return nil, "", err
	}

	fields := [][2]string{
		{"return_md", "true"},
		{"lang_list", opts.Lang},
		{"backend", opts.Backend},
		{"parse_method", opts.Method},
	}
	if opts.FormulaEnable != nil {
		fields = append(fields, [2]string{"formula_enable", strconv.FormatBool(*opts.FormulaEnable)})
	}
	if opts.TableEnable != nil {
		fields = append(fields, [2]string{"table_enable", strconv.FormatBool(*opts.TableEnable)})
	}
	for k, v := range opts.Extra {
		fields = append(fields, [2]string{k, v})
	}

	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

type gpuRequest struct {
	File    string              `json:"file"`
	Options models.ParseOptions `json:"options"`
}

func encodeGPU(p Payload, opts models.ParseOptions) (io.Reader, string, error) {
	data, err := json.Marshal(gpuRequest{
		File:    base64.StdEncoding.EncodeToString(p.Data),
		Options: opts,
	})
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(data), "application/json", nil
}

func writeFilePart(w *multipart.Writer, field string, p Payload) error {
	ct := p.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, escapeQuotes(p.Name)))
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(p.Data)
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// errorDetail prefers the message field of a JSON error body.
func errorDetail(data []byte) string {
	var doc Document
	if err := json.Unmarshal(data, &doc); err == nil {
		if msg := doc.firstString("detail", "error", "message", "error_message"); msg != "" {
			return msg
		}
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "empty response"
	}
	return s
}

// Health checks that the backend answers.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+c.cfg.HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend health returned %d", resp.StatusCode)
	}
	return nil
}
