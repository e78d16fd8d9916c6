package parseclient_test

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/doc-extract/backend/internal/models"
	"github.com/doc-extract/backend/internal/parseclient"
)

const dialectPages parseclient.Dialect = "pages"

// pagesShape decodes {"pages":["...","..."]} by joining the pages.
type pagesShape struct{}

func (pagesShape) Name() parseclient.Dialect { return dialectPages }

func (pagesShape) Match(doc parseclient.Document) bool {
	_, ok := doc["pages"]
	return ok
}

func (pagesShape) Decode(doc parseclient.Document, _ string) (parseclient.Decoded, error) {
	var pages []string
	if err := json.Unmarshal(doc["pages"], &pages); err != nil {
		return parseclient.Decoded{}, err
	}
	if len(pages) == 0 {
		return parseclient.Decoded{}, errors.New("no pages")
	}
	text := pages[0]
	for _, p := range pages[1:] {
		text += "\n\n" + p
	}
	return parseclient.Decoded{Dialect: dialectPages, Text: text}, nil
}

func TestDecoder_RegisteredShape(t *testing.T) {
	d := parseclient.NewDecoder()

	_, err := d.Decode([]byte(`{"pages":["# One"]}`), "a.pdf")
	require.Error(t, err)

	d.Register(pagesShape{})
	got, err := d.Decode([]byte(`{"pages":["# One","# Two"]}`), "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, dialectPages, got.Dialect)
	assert.Equal(t, "# One\n\n# Two", got.Text)

	// built-in dialects keep priority over registered ones
	got, err = d.Decode([]byte(`{"extracted_text":"# Flat","pages":["# One"]}`), "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, parseclient.DialectFlat, got.Dialect)
}

func TestClient_ConfiguredShapes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"pages":["# P1","# P2"]}`)
	}))
	defer srv.Close()

	c := parseclient.New(parseclient.Config{
		BaseURL: srv.URL,
		Variant: parseclient.VariantExtract,
		Shapes:  []parseclient.Shape{pagesShape{}},
	}, zaptest.NewLogger(t))

	res := c.Parse(t.Context(), parseclient.Payload{FileID: "f", Name: "a.pdf", ContentType: "application/pdf", Data: []byte("%PDF")}, models.ParseOptions{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "# P1\n\n# P2", res.Text)
	assert.Equal(t, dialectPages, res.Dialect)
}
