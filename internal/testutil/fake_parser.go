package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/doc-extract/backend/internal/models"
	"github.com/doc-extract/backend/internal/parseclient"
)

// FakeParser implements parseclient.Parser with scripted results and records
// how many calls were outstanding at once.
type FakeParser struct {
	// Delay is how long each call blocks before answering
	Delay time.Duration
	// Results maps file names to canned results; unknown names succeed with
	// "# <name>" as text
	Results map[string]parseclient.Result

	mu       sync.Mutex
	inFlight int
	peak     int
	calls    []parseclient.Payload
	gate     chan struct{}
}

var _ parseclient.Parser = (*FakeParser)(nil)

// NewFakeParser creates a fake with no delay.
func NewFakeParser() *FakeParser {
	return &FakeParser{Results: make(map[string]parseclient.Result)}
}

// Block makes every call wait until Release is called.
func (f *FakeParser) Block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

// Release unblocks calls waiting on Block.
func (f *FakeParser) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

func (f *FakeParser) Parse(ctx context.Context, p parseclient.Payload, _ models.ParseOptions) parseclient.Result {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.calls = append(f.calls, p)
	gate := f.gate
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return parseclient.Result{Error: ctx.Err().Error()}
		}
	}
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return parseclient.Result{Error: ctx.Err().Error()}
		}
	}

	if res, ok := f.Results[p.Name]; ok {
		return res
	}
	return parseclient.Result{Success: true, Text: "# " + p.Name, Dialect: parseclient.DialectFlat}
}

// Peak returns the highest number of concurrent calls observed.
func (f *FakeParser) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// Calls returns the payloads received, in arrival order.
func (f *FakeParser) Calls() []parseclient.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]parseclient.Payload(nil), f.calls...)
}
