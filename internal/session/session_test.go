package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pome-analysis/backend/internal/analysis"
	"github.com/pome-analysis/backend/internal/models"
	"github.com/pome-analysis/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngFile(name string) models.SelectedFile {
	return models.SelectedFile{Name: name, MediaType: "image/png", Data: []byte("png:" + name)}
}

func tiffFile(name string) models.SelectedFile {
	return models.SelectedFile{Name: name, MediaType: "image/tiff", Data: []byte("tiff:" + name)}
}

func newTestSession(t *testing.T, conv *testutil.FakeConverter, an *testutil.FakeAnalyzer) (*Session, *testutil.RecordingStore) {
	t.Helper()
	store := testutil.NewRecordingStore()
	s := New(Options{Analyzer: an, Converter: conv, Previews: store})
	t.Cleanup(s.Close)
	return s, store
}

func waitFor(t *testing.T, r *Result) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func drain(ch <-chan Event) []models.Notification {
	var notes []models.Notification
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return notes
			}
			if ev.Notification != nil {
				notes = append(notes, *ev.Notification)
			}
		default:
			return notes
		}
	}
}

func TestChooseFile_Displayable(t *testing.T) {
	conv := testutil.NewFakeConverter()
	s, store := newTestSession(t, conv, testutil.NewFakeAnalyzer())

	res, err := s.ChooseFile(pngFile("a.png"))
	require.NoError(t, err)
	waitFor(t, res)

	assert.Equal(t, models.SessionStatePreviewed, res.Snapshot.State)
	assert.Equal(t, "a.png", res.Snapshot.FileName)
	assert.Equal(t, "image/png", res.Snapshot.PreviewMediaType)
	assert.Empty(t, res.Notifications)
	assert.Equal(t, 0, conv.Calls())
	assert.Equal(t, 1, store.Live())

	_, data, err := s.Preview()
	require.NoError(t, err)
	assert.Equal(t, []byte("png:a.png"), data)
}

func TestChooseFile_RejectsEmptyFile(t *testing.T) {
	s, _ := newTestSession(t, testutil.NewFakeConverter(), testutil.NewFakeAnalyzer())

	_, err := s.ChooseFile(models.SelectedFile{Name: "empty.png", MediaType: "image/png"})
	assert.ErrorIs(t, err, ErrEmptyFile)
	assert.Equal(t, models.SessionStateEmpty, s.Snapshot().State)
}

func TestChooseFile_ReleasesPreviousBeforeAcquire(t *testing.T) {
	s, store := newTestSession(t, testutil.NewFakeConverter(), testutil.NewFakeAnalyzer())

	_, err := s.ChooseFile(pngFile("a.png"))
	require.NoError(t, err)
	_, err = s.ChooseFile(pngFile("b.png"))
	require.NoError(t, err)

	assert.Equal(t, []string{"acquire:handle-1", "release:handle-1", "acquire:handle-2"}, store.Ops())
	assert.Equal(t, 1, store.Live())
}

func TestChooseFile_ConvertsNonDisplayable(t *testing.T) {
	conv := testutil.NewManualConverter()
	s, store := newTestSession(t, conv, testutil.NewFakeAnalyzer())

	res, err := s.ChooseFile(tiffFile("scan.tif"))
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateConverting, res.Snapshot.State)
	assert.True(t, res.Snapshot.Busy)
	assert.Equal(t, 0, store.Live())

	_, _, err = s.Preview()
	assert.ErrorIs(t, err, ErrPreviewUnavailable)

	call := conv.Next(t)
	assert.Equal(t, "image/tiff", call.MediaType)
	assert.Empty(t, res.Settled())
	call.Succeed(models.Blob{Data: []byte("png-surrogate"), MediaType: "image/png"})
	waitFor(t, res)

	settled := res.Settled()
	require.Len(t, settled, 1)
	assert.Equal(t, models.NotificationInfo, settled[0].Level)
	assert.Equal(t, "Preview ready for scan.tif", settled[0].Message)

	snap := s.Snapshot()
	assert.Equal(t, models.SessionStatePreviewed, snap.State)
	assert.False(t, snap.PreviewUnavailable)
	assert.Equal(t, "image/png", snap.PreviewMediaType)

	_, data, err := s.Preview()
	require.NoError(t, err)
	assert.Equal(t, []byte("png-surrogate"), data)
}

func TestChooseFile_StaleConversionDiscarded(t *testing.T) {
	conv := testutil.NewManualConverter()
	s, store := newTestSession(t, conv, testutil.NewFakeAnalyzer())

	first, err := s.ChooseFile(tiffFile("a.tif"))
	require.NoError(t, err)
	firstCall := conv.Next(t)

	second, err := s.ChooseFile(tiffFile("b.tif"))
	require.NoError(t, err)
	secondCall := conv.Next(t)

	assert.Equal(t, []byte("tiff:a.tif"), firstCall.Payload)
	assert.Equal(t, []byte("tiff:b.tif"), secondCall.Payload)

	firstCall.Succeed(models.Blob{Data: []byte("preview-a"), MediaType: "image/png"})
	waitFor(t, first)
	assert.Empty(t, first.Settled())

	snap := s.Snapshot()
	assert.Equal(t, models.SessionStateConverting, snap.State)
	assert.Equal(t, "b.tif", snap.FileName)
	assert.Empty(t, snap.PreviewID)
	assert.Equal(t, 0, store.Live())

	secondCall.Succeed(models.Blob{Data: []byte("preview-b"), MediaType: "image/png"})
	waitFor(t, second)

	_, data, err := s.Preview()
	require.NoError(t, err)
	assert.Equal(t, []byte("preview-b"), data)
	assert.Equal(t, 1, store.Live())
}

func TestPreviewConversionFailure_StillAnalyzable(t *testing.T) {
	conv := testutil.NewManualConverter()
	an := testutil.NewFakeAnalyzer()
	s, _ := newTestSession(t, conv, an)
	events, stop := s.Subscribe()
	defer stop()

	res, err := s.ChooseFile(tiffFile("scan.tif"))
	require.NoError(t, err)
	conv.Next(t).Fail(errors.New("codec missing"))
	waitFor(t, res)

	snap := s.Snapshot()
	assert.Equal(t, models.SessionStatePreviewed, snap.State)
	assert.True(t, snap.PreviewUnavailable)

	notes := drain(events)
	require.NotEmpty(t, notes)
	assert.Equal(t, models.NotificationWarning, notes[len(notes)-1].Level)

	analysis, err := s.Analyze()
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatePreviewed, analysis.Snapshot.State)
	assert.True(t, analysis.Snapshot.Busy)

	call := conv.Next(t)
	assert.Equal(t, []byte("tiff:scan.tif"), call.Payload)
	call.Succeed(models.Blob{Data: []byte("png-for-backend"), MediaType: "image/png"})
	waitFor(t, analysis)

	files := an.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "scan.png", files[0].Name)
	assert.Equal(t, "image/png", files[0].MediaType)
	assert.Equal(t, []byte("png-for-backend"), files[0].Data)
	assert.Equal(t, models.SessionStateCompleted, s.Snapshot().State)
}

func TestAnalyze_EmptySessionIsNoop(t *testing.T) {
	an := testutil.NewFakeAnalyzer()
	s, _ := newTestSession(t, testutil.NewFakeConverter(), an)
	events, stop := s.Subscribe()
	defer stop()

	res, err := s.Analyze()
	assert.ErrorIs(t, err, ErrNoFileSelected)
	assert.Nil(t, res)
	assert.Empty(t, drain(events))
	assert.Empty(t, an.Files())
	assert.Equal(t, models.SessionStateEmpty, s.Snapshot().State)
}

func TestAnalyze_Completed(t *testing.T) {
	an := testutil.NewFakeAnalyzer()
	s, store := newTestSession(t, testutil.NewFakeConverter(), an)
	events, stop := s.Subscribe()
	defer stop()

	_, err := s.ChooseFile(pngFile("a.png"))
	require.NoError(t, err)

	res, err := s.Analyze()
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateAnalyzing, res.Snapshot.State)
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, models.NotificationInfo, res.Notifications[0].Level)
	waitFor(t, res)

	snap := s.Snapshot()
	assert.Equal(t, models.SessionStateCompleted, snap.State)
	require.NotNil(t, snap.Outcome)
	assert.Equal(t, 8, snap.Outcome.TotalObjects)
	assert.Equal(t, map[string]int{"Bacillaceae": 3, "Pseudomonadaceae": 5}, snap.Outcome.Detections)
	assert.NotEmpty(t, snap.Outcome.AnnotatedID)
	assert.False(t, snap.Outcome.AnalyzedAt.IsZero())
	assert.Equal(t, 2, store.Live())

	_, data, err := s.Annotated()
	require.NoError(t, err)
	assert.Equal(t, []byte("annotated-png"), data)

	notes := drain(events)
	require.NotEmpty(t, notes)
	last := notes[len(notes)-1]
	assert.Equal(t, models.NotificationSuccess, last.Level)
	assert.Equal(t, "Analysis complete! Found 8 objects", last.Message)
	assert.Equal(t, []models.Notification{last}, res.Settled())

	files := an.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "a.png", files[0].Name)
}

func TestAnalyze_FailureAllowsRetry(t *testing.T) {
	an := testutil.NewFakeAnalyzer()
	an.Err = errors.New("backend returned 500")
	s, _ := newTestSession(t, testutil.NewFakeConverter(), an)
	events, stop := s.Subscribe()
	defer stop()

	_, err := s.ChooseFile(pngFile("a.png"))
	require.NoError(t, err)

	res, err := s.Analyze()
	require.NoError(t, err)
	waitFor(t, res)

	snap := s.Snapshot()
	assert.Equal(t, models.SessionStateFailed, snap.State)
	assert.Contains(t, snap.Error, ErrAnalysisRequestFailed.Error())
	assert.Equal(t, "a.png", snap.FileName)
	assert.False(t, snap.Busy)

	notes := drain(events)
	require.NotEmpty(t, notes)
	assert.Equal(t, models.NotificationError, notes[len(notes)-1].Level)
	assert.Equal(t, "Failed to analyze image", notes[len(notes)-1].Message)
	assert.Equal(t, notes[len(notes)-1:], res.Settled())

	an.Err = nil
	res, err = s.Analyze()
	require.NoError(t, err)
	waitFor(t, res)

	snap = s.Snapshot()
	assert.Equal(t, models.SessionStateCompleted, snap.State)
	assert.Empty(t, snap.Error)
	assert.Len(t, an.Files(), 2)
}

func TestAnalyze_BackendErrorMessage(t *testing.T) {
	an := testutil.NewFakeAnalyzer()
	an.Err = fmt.Errorf("predict: %w", &analysis.ServiceError{StatusCode: 400, Message: "Invalid image"})
	s, _ := newTestSession(t, testutil.NewFakeConverter(), an)

	_, err := s.ChooseFile(pngFile("a.png"))
	require.NoError(t, err)
	res, err := s.Analyze()
	require.NoError(t, err)
	waitFor(t, res)

	settled := res.Settled()
	require.Len(t, settled, 1)
	assert.Equal(t, models.NotificationError, settled[0].Level)
	assert.Equal(t, "Analysis failed: Invalid image", settled[0].Message)
	assert.Contains(t, s.Snapshot().Error, "Invalid image")
}

func TestHistoryCard(t *testing.T) {
	s, _ := newTestSession(t, testutil.NewFakeConverter(), testutil.NewFakeAnalyzer())

	_, err := s.HistoryCard()
	assert.ErrorIs(t, err, ErrNoFileSelected)

	res, err := s.ChooseFile(pngFile("a.png"))
	require.NoError(t, err)
	waitFor(t, res)
	_, err = s.HistoryCard()
	assert.ErrorIs(t, err, ErrNoOutcome)

	res, err = s.Analyze()
	require.NoError(t, err)
	waitFor(t, res)

	snap := s.Snapshot()
	require.NotNil(t, snap.Outcome)
	assert.Equal(t, snap.PreviewID, snap.Outcome.InputID)

	card, err := s.HistoryCard()
	require.NoError(t, err)
	assert.Equal(t, 8, card.TotalObjects)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png:a.png")), card.InputImageBase64)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("annotated-png")), card.AnnotatedImageBase64)

	_, err = s.RemoveFile()
	require.NoError(t, err)
	_, err = s.HistoryCard()
	assert.ErrorIs(t, err, ErrNoFileSelected)
}

func TestAnalyze_ConversionFailureForAnalysis(t *testing.T) {
	conv := testutil.NewManualConverter()
	an := testutil.NewFakeAnalyzer()
	s, _ := newTestSession(t, conv, an)

	res, err := s.ChooseFile(tiffFile("scan.tif"))
	require.NoError(t, err)
	conv.Next(t).Succeed(models.Blob{Data: []byte("preview"), MediaType: "image/png"})
	waitFor(t, res)

	res, err = s.Analyze()
	require.NoError(t, err)
	conv.Next(t).Fail(errors.New("out of memory"))
	waitFor(t, res)

	snap := s.Snapshot()
	assert.Equal(t, models.SessionStateFailed, snap.State)
	assert.Contains(t, snap.Error, ErrConversionFailedForAnalysis.Error())
	assert.Equal(t, "scan.tif", snap.FileName)
	assert.Empty(t, an.Files())
}

func TestAnalyze_Busy(t *testing.T) {
	an := testutil.NewManualAnalyzer()
	s, _ := newTestSession(t, testutil.NewFakeConverter(), an)

	_, err := s.ChooseFile(pngFile("a.png"))
	require.NoError(t, err)

	res, err := s.Analyze()
	require.NoError(t, err)

	_, err = s.Analyze()
	assert.ErrorIs(t, err, ErrBusy)

	an.Next(t).Succeed(&models.Outcome{Detections: map[string]int{"Bacillaceae": 1}})
	waitFor(t, res)
	assert.Equal(t, models.SessionStateCompleted, s.Snapshot().State)
}

func TestAnalyze_BusyWhileConverting(t *testing.T) {
	conv := testutil.NewManualConverter()
	s, _ := newTestSession(t, conv, testutil.NewFakeAnalyzer())

	res, err := s.ChooseFile(tiffFile("scan.tif"))
	require.NoError(t, err)

	_, err = s.Analyze()
	assert.ErrorIs(t, err, ErrBusy)

	conv.Next(t).Succeed(models.Blob{Data: []byte("preview"), MediaType: "image/png"})
	waitFor(t, res)
}

func TestAnalyze_StaleResultDiscarded(t *testing.T) {
	an := testutil.NewManualAnalyzer()
	s, store := newTestSession(t, testutil.NewFakeConverter(), an)

	_, err := s.ChooseFile(pngFile("a.png"))
	require.NoError(t, err)
	res, err := s.Analyze()
	require.NoError(t, err)
	call := an.Next(t)

	_, err = s.ChooseFile(pngFile("b.png"))
	require.NoError(t, err)

	call.Succeed(&models.Outcome{Detections: map[string]int{"Bacillaceae": 4}, AnnotatedImage: []byte("stale")})
	waitFor(t, res)
	assert.Empty(t, res.Settled())

	snap := s.Snapshot()
	assert.Equal(t, models.SessionStatePreviewed, snap.State)
	assert.Equal(t, "b.png", snap.FileName)
	assert.Nil(t, snap.Outcome)
	assert.Equal(t, 1, store.Live())
}

func TestReusePreviewConversion(t *testing.T) {
	tests := []struct {
		name      string
		reuse     bool
		wantCalls int
	}{
		{name: "reconverts by default", reuse: false, wantCalls: 2},
		{name: "reuses preview surrogate", reuse: true, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := testutil.NewFakeConverter()
			an := testutil.NewFakeAnalyzer()
			s := New(Options{
				Analyzer:               an,
				Converter:              conv,
				Previews:               testutil.NewRecordingStore(),
				ReusePreviewConversion: tt.reuse,
			})
			defer s.Close()

			res, err := s.ChooseFile(tiffFile("scan.tif"))
			require.NoError(t, err)
			waitFor(t, res)

			res, err = s.Analyze()
			require.NoError(t, err)
			waitFor(t, res)

			assert.Equal(t, tt.wantCalls, conv.Calls())
			files := an.Files()
			require.Len(t, files, 1)
			assert.Equal(t, "image/png", files[0].MediaType)
			assert.Equal(t, models.SessionStateCompleted, s.Snapshot().State)
		})
	}
}

func TestRemoveFile(t *testing.T) {
	s, store := newTestSession(t, testutil.NewFakeConverter(), testutil.NewFakeAnalyzer())

	_, err := s.ChooseFile(pngFile("a.png"))
	require.NoError(t, err)
	res, err := s.Analyze()
	require.NoError(t, err)
	waitFor(t, res)
	require.Equal(t, 2, store.Live())

	res, err = s.RemoveFile()
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateEmpty, res.Snapshot.State)
	assert.Empty(t, res.Snapshot.FileName)
	assert.Nil(t, res.Snapshot.Outcome)
	assert.Equal(t, 0, store.Live())

	_, _, err = s.Preview()
	assert.ErrorIs(t, err, ErrNoFileSelected)
}

func TestRemoveFile_DiscardsPendingConversion(t *testing.T) {
	conv := testutil.NewManualConverter()
	s, store := newTestSession(t, conv, testutil.NewFakeAnalyzer())

	res, err := s.ChooseFile(tiffFile("scan.tif"))
	require.NoError(t, err)
	call := conv.Next(t)

	_, err = s.RemoveFile()
	require.NoError(t, err)

	call.Succeed(models.Blob{Data: []byte("late"), MediaType: "image/png"})
	waitFor(t, res)

	assert.Equal(t, models.SessionStateEmpty, s.Snapshot().State)
	assert.Equal(t, 0, store.Live())
}

func TestClose(t *testing.T) {
	an := testutil.NewManualAnalyzer()
	store := testutil.NewRecordingStore()
	s := New(Options{Analyzer: an, Converter: testutil.NewFakeConverter(), Previews: store})
	events, _ := s.Subscribe()

	_, err := s.ChooseFile(pngFile("a.png"))
	require.NoError(t, err)
	res, err := s.Analyze()
	require.NoError(t, err)
	an.Next(t)

	s.Close()
	s.Close()

	waitFor(t, res)
	assert.Equal(t, 0, store.Live())

	for range events {
	}

	_, err = s.ChooseFile(pngFile("b.png"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Analyze()
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.RemoveFile()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	s, _ := newTestSession(t, testutil.NewFakeConverter(), testutil.NewFakeAnalyzer())

	events, stop := s.Subscribe()
	_, err := s.ChooseFile(pngFile("a.png"))
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, s.ID(), ev.SessionID)
		assert.Equal(t, models.SessionStatePreviewed, ev.Snapshot.State)
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("no event received")
	}

	stop()
	stop()
	_, ok := <-events
	assert.False(t, ok)
}
