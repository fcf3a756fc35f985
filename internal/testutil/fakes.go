// fakes.go - Controllable analyzer and converter fakes
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pome-analysis/backend/internal/models"
)

// WaitTimeout bounds how long helpers wait for a call to arrive.
const WaitTimeout = 2 * time.Second

type convertReply struct {
	blob models.Blob
	err  error
}

// ConvertCall is a conversion held by a manual FakeConverter until the test
// answers it.
type ConvertCall struct {
	Payload   []byte
	MediaType string
	reply     chan convertReply
}

// Succeed resolves the call with blob.
func (c *ConvertCall) Succeed(blob models.Blob) {
	c.reply <- convertReply{blob: blob}
}

// Fail resolves the call with err.
func (c *ConvertCall) Fail(err error) {
	c.reply <- convertReply{err: err}
}

// FakeConverter implements convert.Converter. In auto mode it answers with
// Result and Err; in manual mode each call blocks until the test resolves it.
type FakeConverter struct {
	mu       sync.Mutex
	Result   models.Blob
	Err      error
	manual   bool
	pending  chan *ConvertCall
	payloads [][]byte
}

// NewFakeConverter returns a converter that always answers with PNG bytes.
func NewFakeConverter() *FakeConverter {
	return &FakeConverter{
		Result:  models.Blob{Data: []byte("converted-png"), MediaType: "image/png"},
		pending: make(chan *ConvertCall, 16),
	}
}

// NewManualConverter returns a converter whose calls wait for the test.
func NewManualConverter() *FakeConverter {
	f := NewFakeConverter()
	f.manual = true
	return f
}

func (f *FakeConverter) Convert(ctx context.Context, payload []byte, mediaType string) (models.Blob, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	manual, result, err := f.manual, f.Result, f.Err
	f.mu.Unlock()

	if !manual {
		return result, err
	}

	call := &ConvertCall{Payload: payload, MediaType: mediaType, reply: make(chan convertReply, 1)}
	f.pending <- call
	select {
	case r := <-call.reply:
		return r.blob, r.err
	case <-ctx.Done():
		return models.Blob{}, ctx.Err()
	}
}

// Next waits for the next pending call of a manual converter.
func (f *FakeConverter) Next(t testing.TB) *ConvertCall {
	t.Helper()
	select {
	case call := <-f.pending:
		return call
	case <-time.After(WaitTimeout):
		t.Fatal("timed out waiting for a conversion call")
		return nil
	}
}

// Calls returns how many conversions were requested.
func (f *FakeConverter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type predictReply struct {
	outcome *models.Outcome
	err     error
}

// PredictCall is a prediction held by a manual FakeAnalyzer.
type PredictCall struct {
	File  models.SelectedFile
	reply chan predictReply
}

// Succeed resolves the call with outcome.
func (c *PredictCall) Succeed(outcome *models.Outcome) {
	c.reply <- predictReply{outcome: outcome}
}

// Fail resolves the call with err.
func (c *PredictCall) Fail(err error) {
	c.reply <- predictReply{err: err}
}

// FakeAnalyzer implements session.Analyzer with the same auto and manual
// modes as FakeConverter.
type FakeAnalyzer struct {
	mu      sync.Mutex
	Outcome *models.Outcome
	Err     error
	manual  bool
	pending chan *PredictCall
	files   []models.SelectedFile
}

// NewFakeAnalyzer returns an analyzer reporting {"Bacillaceae": 3, "Pseudomonadaceae": 5}.
func NewFakeAnalyzer() *FakeAnalyzer {
	return &FakeAnalyzer{
		Outcome: &models.Outcome{
			ID:                "pred-1",
			Detections:        map[string]int{"Bacillaceae": 3, "Pseudomonadaceae": 5},
			DensityPercentage: 12.5,
			ProcessingTimeMs:  420,
			AnnotatedImage:    []byte("annotated-png"),
		},
		pending: make(chan *PredictCall, 16),
	}
}

// NewManualAnalyzer returns an analyzer whose calls wait for the test.
func NewManualAnalyzer() *FakeAnalyzer {
	f := NewFakeAnalyzer()
	f.manual = true
	return f
}

func (f *FakeAnalyzer) Predict(ctx context.Context, file models.SelectedFile) (*models.Outcome, error) {
	f.mu.Lock()
	f.files = append(f.files, file)
	manual, err := f.manual, f.Err
	var outcome *models.Outcome
	if f.Outcome != nil {
		o := *f.Outcome
		outcome = &o
	}
	f.mu.Unlock()

	if !manual {
		if err != nil {
			return nil, err
		}
		return outcome, nil
	}

	call := &PredictCall{File: file, reply: make(chan predictReply, 1)}
	f.pending <- call
	select {
	case r := <-call.reply:
		return r.outcome, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Next waits for the next pending call of a manual analyzer.
func (f *FakeAnalyzer) Next(t testing.TB) *PredictCall {
	t.Helper()
	select {
	case call := <-f.pending:
		return call
	case <-time.After(WaitTimeout):
		t.Fatal("timed out waiting for a predict call")
		return nil
	}
}

// Files returns every file submitted so far.
func (f *FakeAnalyzer) Files() []models.SelectedFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.SelectedFile(nil), f.files...)
}
