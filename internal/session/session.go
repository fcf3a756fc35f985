package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pome-analysis/backend/internal/analysis"
	"github.com/pome-analysis/backend/internal/convert"
	"github.com/pome-analysis/backend/internal/logging"
	"github.com/pome-analysis/backend/internal/models"
	"github.com/pome-analysis/backend/internal/preview"
)

var (
	// ErrNoFileSelected is returned by operations that need a file when none
	// is selected. It is a no-op and carries no notification.
	ErrNoFileSelected = errors.New("no file selected")

	// ErrConversionFailed marks a failed preview conversion. The file stays
	// analyzable.
	ErrConversionFailed = errors.New("preview conversion failed")

	// ErrConversionFailedForAnalysis marks a failed conversion of the payload
	// sent to the backend. The file stays selected for a retry.
	ErrConversionFailedForAnalysis = errors.New("conversion for analysis failed")

	// ErrAnalysisRequestFailed marks a network or backend failure.
	ErrAnalysisRequestFailed = errors.New("analysis request failed")

	// ErrBusy is returned when a conversion or analysis is already in flight.
	ErrBusy = errors.New("session is busy")

	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrEmptyFile rejects zero-byte selections.
	ErrEmptyFile = errors.New("selected file is empty")

	// ErrPreviewUnavailable is returned when no preview surrogate exists.
	ErrPreviewUnavailable = errors.New("preview unavailable")

	// ErrNoOutcome is returned when no analysis has completed.
	ErrNoOutcome = errors.New("no analysis outcome")
)

var logger = logging.New("session")

// Analyzer submits an image to the inference backend.
type Analyzer interface {
	Predict(ctx context.Context, file models.SelectedFile) (*models.Outcome, error)
}

// Options wires a session to its collaborators.
type Options struct {
	Analyzer  Analyzer
	Converter convert.Converter
	Previews  preview.Store
	Formats   convert.Formats

	// ReusePreviewConversion sends the surrogate produced for the preview to
	// the backend instead of converting the original a second time.
	ReusePreviewConversion bool

	// EventBuffer is the per-subscriber channel capacity.
	EventBuffer int
}

func (o Options) withDefaults() Options {
	if o.Formats.IsZero() {
		o.Formats = convert.DefaultFormats()
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 32
	}
	return o
}

// Event is published for every state change.
type Event struct {
	SessionID    string                 `json:"sessionId"`
	Snapshot     models.SessionSnapshot `json:"snapshot"`
	Notification *models.Notification   `json:"notification,omitempty"`
	At           time.Time              `json:"at"`
}

// Result is what an operation returns synchronously. Done closes once the
// asynchronous part of the operation has been applied or discarded.
type Result struct {
	Snapshot      models.SessionSnapshot `json:"session"`
	Notifications []models.Notification  `json:"notifications"`

	done <-chan struct{}

	// settled is written under the session lock before done closes.
	settled []models.Notification
}

// Done returns a channel closed when the operation has settled.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Settled returns the notifications published when the asynchronous part
// resolved. It is empty before Done closes and for discarded results.
func (r *Result) Settled() []models.Notification {
	select {
	case <-r.done:
		return r.settled
	default:
		return nil
	}
}

// Wait blocks until the operation settles or ctx ends.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ticket identifies an asynchronous request. Its result is applied only if
// no newer file selection or request has happened since it was issued.
type ticket struct {
	gen uint64
	seq uint64
}

// Session is the upload and preview state machine for one user.
//
// The selected file, its preview handle and the last outcome are owned by
// the session. Conversions and analyses run on goroutines; their results
// are dropped when a newer request has superseded them.
type Session struct {
	id   string
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	state              models.SessionState
	file               *models.SelectedFile
	preview            *preview.Handle
	previewBlob        *models.Blob
	previewUnavailable bool
	annotated          *preview.Handle
	inputID            string
	outcome            *models.Outcome
	lastErr            string
	busy               bool
	closed             bool

	gen uint64
	seq uint64

	subscribers map[int]chan Event
	nextSub     int

	createdAt    time.Time
	updatedAt    time.Time
	lastAccessed time.Time
}

// New creates an empty session.
func New(opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	return &Session{
		id:           uuid.New().String(),
		opts:         opts.withDefaults(),
		ctx:          ctx,
		cancel:       cancel,
		state:        models.SessionStateEmpty,
		subscribers:  make(map[int]chan Event),
		createdAt:    now,
		updatedAt:    now,
		lastAccessed: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// ChooseFile replaces the selected file. The previous preview is released
// before anything is acquired for the new file. Types that cannot be shown
// natively are converted in the background.
func (s *Session) ChooseFile(file models.SelectedFile) (*Result, error) {
	if len(file.Data) == 0 {
		return nil, ErrEmptyFile
	}
	file.MediaType = convert.DetectMediaType(file.MediaType, file.Name, file.Data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	s.gen++
	s.releaseLocked()
	s.file = &file
	s.outcome = nil
	s.lastErr = ""
	s.busy = false
	s.setStateLocked(models.SessionStateFileChosen)

	done := make(chan struct{})
	var notes []models.Notification
	var pending *ticket

	if s.opts.Formats.Displayable(file.MediaType) {
		if n := s.acquirePreviewLocked(file.Name, models.Blob{Data: file.Data, MediaType: file.MediaType}, false); n != nil {
			notes = append(notes, *n)
		}
		s.setStateLocked(models.SessionStatePreviewed)
		close(done)
	} else {
		s.setStateLocked(models.SessionStateConverting)
		notes = append(notes, models.Info(fmt.Sprintf("Preparing preview for %s", file.Name)))
		t := s.nextTicketLocked()
		pending = &t
	}

	logger.Debugf("[Session %s] chose %s (%s, %d bytes) -> %s", shortID(s.id), file.Name, file.MediaType, len(file.Data), s.state)
	s.publishLocked(notes...)
	res := s.resultLocked(notes, done)
	if pending != nil {
		go s.runPreviewConversion(*pending, file, res, done)
	}
	return res, nil
}

func (s *Session) runPreviewConversion(t ticket, file models.SelectedFile, res *Result, done chan struct{}) {
	defer close(done)

	blob, err := s.opts.Converter.Convert(s.ctx, file.Data, file.MediaType)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(t) {
		logger.Debugf("[Session %s] discarded stale preview conversion for %s", shortID(s.id), file.Name)
		return
	}

	var note models.Notification
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConversionFailed, err)
		logger.Warnf("[Session %s] %v", shortID(s.id), err)
		s.previewUnavailable = true
		note = models.Warning(fmt.Sprintf("Preview unavailable for %s; the image can still be analyzed", file.Name))
	} else if n := s.acquirePreviewLocked(file.Name, blob, true); n != nil {
		note = *n
	} else {
		note = models.Info(fmt.Sprintf("Preview ready for %s", file.Name))
	}

	s.setStateLocked(models.SessionStatePreviewed)
	s.settleLocked(res, note)
}

// Analyze submits the selected file to the backend. It is a no-op on an
// empty session. When the backend cannot take the file's format, the file
// is converted first and the session enters analyzing only once that
// conversion resolves.
func (s *Session) Analyze() (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.file == nil {
		return nil, ErrNoFileSelected
	}
	if s.busy || !s.state.Settled() {
		return nil, fmt.Errorf("%w: %s", ErrBusy, s.state)
	}

	file := *s.file
	needsConversion := !s.opts.Formats.BackendAccepts(file.MediaType)

	var cached *models.Blob
	if needsConversion && s.opts.ReusePreviewConversion && s.previewBlob != nil {
		cached = s.previewBlob
	}

	t := s.nextTicketLocked()
	s.busy = true
	s.lastErr = ""
	s.outcome = nil
	s.releaseOutcomeLocked()
	if !needsConversion || cached != nil {
		s.setStateLocked(models.SessionStateAnalyzing)
	}

	notes := []models.Notification{models.Info("Analyzing image...")}
	done := make(chan struct{})

	logger.Debugf("[Session %s] analyzing %s (convert=%t, reuse=%t)", shortID(s.id), file.Name, needsConversion, cached != nil)
	s.publishLocked(notes...)
	res := s.resultLocked(notes, done)
	go s.runAnalysis(t, file, needsConversion, cached, res, done)
	return res, nil
}

func (s *Session) runAnalysis(t ticket, file models.SelectedFile, needsConversion bool, cached *models.Blob, res *Result, done chan struct{}) {
	defer close(done)

	payload := file
	if needsConversion {
		blob := cached
		if blob == nil {
			converted, err := s.opts.Converter.Convert(s.ctx, file.Data, file.MediaType)
			if err != nil {
				s.settleFailure(t, res, fmt.Errorf("%w: %v", ErrConversionFailedForAnalysis, err),
					fmt.Sprintf("Could not convert %s for analysis", file.Name))
				return
			}
			blob = &converted

			s.mu.Lock()
			if !s.currentLocked(t) {
				s.mu.Unlock()
				logger.Debugf("[Session %s] discarded stale analysis conversion for %s", shortID(s.id), file.Name)
				return
			}
			s.setStateLocked(models.SessionStateAnalyzing)
			s.publishLocked()
			s.mu.Unlock()
		}
		payload = models.SelectedFile{
			Name:      convert.RenameForMediaType(file.Name, blob.MediaType),
			MediaType: blob.MediaType,
			Data:      blob.Data,
		}
	}

	outcome, err := s.opts.Analyzer.Predict(s.ctx, payload)
	if err == nil && outcome == nil {
		err = errors.New("empty response from backend")
	}
	if err != nil {
		s.settleFailure(t, res, fmt.Errorf("%w: %v", ErrAnalysisRequestFailed, err), analysisFailureMessage(err))
		return
	}
	outcome.Normalize()
	if outcome.AnalyzedAt.IsZero() {
		outcome.AnalyzedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(t) {
		logger.Debugf("[Session %s] discarded stale analysis result for %s", shortID(s.id), file.Name)
		return
	}

	if len(outcome.AnnotatedImage) > 0 {
		h, err := s.opts.Previews.Acquire(file.Name, convert.DetectMediaType("", "", outcome.AnnotatedImage), outcome.AnnotatedImage)
		if err != nil {
			logger.Warnf("[Session %s] storing annotated image: %v", shortID(s.id), err)
		} else {
			s.annotated = h
			outcome.AnnotatedID = h.ID
		}
	}

	if s.preview != nil {
		s.inputID = s.preview.ID
		outcome.InputID = s.preview.ID
	}

	s.outcome = outcome
	s.busy = false
	s.setStateLocked(models.SessionStateCompleted)
	s.settleLocked(res, models.Success(fmt.Sprintf("Analysis complete! Found %d objects", outcome.TotalObjects)))
}

// analysisFailureMessage shows the backend's own message when it answered
// and a generic one for transport or decoding failures.
func analysisFailureMessage(err error) string {
	var svcErr *analysis.ServiceError
	if errors.As(err, &svcErr) && svcErr.Message != "" {
		return "Analysis failed: " + svcErr.Message
	}
	return "Failed to analyze image"
}

func (s *Session) settleFailure(t ticket, res *Result, err error, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(t) {
		logger.Debugf("[Session %s] discarded stale failure: %v", shortID(s.id), err)
		return
	}

	logger.Warnf("[Session %s] %v", shortID(s.id), err)
	s.lastErr = err.Error()
	s.busy = false
	s.setStateLocked(models.SessionStateFailed)
	s.settleLocked(res, models.Error(message))
}

// settleLocked publishes the notification that resolves res and records it
// for callers waiting on the result.
func (s *Session) settleLocked(res *Result, note models.Notification) {
	res.settled = append(res.settled, note)
	s.publishLocked(note)
}

// RemoveFile clears the selection and releases its resources. Any request
// still in flight becomes stale.
func (s *Session) RemoveFile() (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	s.gen++
	s.releaseLocked()
	s.file = nil
	s.outcome = nil
	s.lastErr = ""
	s.busy = false
	s.setStateLocked(models.SessionStateEmpty)
	s.publishLocked()

	done := make(chan struct{})
	close(done)
	return s.resultLocked(nil, done), nil
}

// Close tears the session down: handles are released, pending requests are
// cancelled and subscribers are disconnected. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.gen++
	s.cancel()
	s.releaseLocked()
	s.file = nil
	s.outcome = nil
	s.busy = false
	s.state = models.SessionStateEmpty

	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() models.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Preview returns the current preview surrogate.
func (s *Session) Preview() (*preview.Handle, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil, nil, ErrNoFileSelected
	}
	if s.preview == nil {
		return nil, nil, ErrPreviewUnavailable
	}
	return s.opts.Previews.Read(s.preview.ID)
}

// Annotated returns the annotated image of the last outcome.
func (s *Session) Annotated() (*preview.Handle, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil, nil, ErrNoFileSelected
	}
	if s.annotated == nil {
		return nil, nil, ErrPreviewUnavailable
	}
	return s.opts.Previews.Read(s.annotated.ID)
}

// HistoryCard builds a history entry for the last outcome, carrying the
// input image that was previewed when the analysis ran and the annotated
// image returned by the backend.
func (s *Session) HistoryCard() (*models.HistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil, ErrNoFileSelected
	}
	if s.outcome == nil {
		return nil, ErrNoOutcome
	}

	var input, annotated []byte
	if s.inputID != "" {
		if _, data, err := s.opts.Previews.Read(s.inputID); err == nil {
			input = data
		} else {
			logger.Warnf("[Session %s] reading input image: %v", shortID(s.id), err)
		}
	}
	if s.annotated != nil {
		if _, data, err := s.opts.Previews.Read(s.annotated.ID); err == nil {
			annotated = data
		} else {
			logger.Warnf("[Session %s] reading annotated image: %v", shortID(s.id), err)
		}
	}

	item := s.outcome.HistoryItem(input, annotated)
	return &item, nil
}

// Subscribe returns a channel of events and a function to stop receiving
// them. The channel is closed when the session closes or on unsubscribe.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, s.opts.EventBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subscribers[id]; ok {
				close(c)
				delete(s.subscribers, id)
			}
		})
	}
}

// Touch records activity for idle cleanup.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccessed = time.Now()
	s.mu.Unlock()
}

// LastAccessed returns the time of the last recorded activity.
func (s *Session) LastAccessed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessed
}

// Busy reports whether a conversion or analysis is pending.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy || s.state == models.SessionStateConverting
}

func (s *Session) nextTicketLocked() ticket {
	s.seq++
	return ticket{gen: s.gen, seq: s.seq}
}

func (s *Session) currentLocked(t ticket) bool {
	return !s.closed && t.gen == s.gen && t.seq == s.seq
}

func (s *Session) setStateLocked(state models.SessionState) {
	s.state = state
	s.updatedAt = time.Now()
}

// acquirePreviewLocked stores blob as the preview. On failure the preview
// is marked unavailable and a warning is returned.
func (s *Session) acquirePreviewLocked(name string, blob models.Blob, converted bool) *models.Notification {
	h, err := s.opts.Previews.Acquire(name, blob.MediaType, blob.Data)
	if err != nil {
		logger.Warnf("[Session %s] acquiring preview: %v", shortID(s.id), err)
		s.previewUnavailable = true
		n := models.Warning(fmt.Sprintf("Preview unavailable for %s", name))
		return &n
	}
	s.preview = h
	s.previewUnavailable = false
	if converted {
		b := blob
		s.previewBlob = &b
	}
	return nil
}

// releaseLocked drops every handle owned by the session.
func (s *Session) releaseLocked() {
	if s.preview != nil {
		if err := s.opts.Previews.Release(s.preview.ID); err != nil {
			logger.Warnf("[Session %s] releasing preview: %v", shortID(s.id), err)
		}
		s.preview = nil
	}
	s.previewBlob = nil
	s.previewUnavailable = false
	s.releaseOutcomeLocked()
}

// releaseOutcomeLocked drops the annotated image. The input image is the
// preview handle and is released with it.
func (s *Session) releaseOutcomeLocked() {
	s.inputID = ""
	if s.annotated != nil {
		if err := s.opts.Previews.Release(s.annotated.ID); err != nil {
			logger.Warnf("[Session %s] releasing annotated image: %v", shortID(s.id), err)
		}
		s.annotated = nil
	}
}

func (s *Session) snapshotLocked() models.SessionSnapshot {
	snap := models.SessionSnapshot{
		ID:                 s.id,
		State:              s.state,
		PreviewUnavailable: s.previewUnavailable,
		Busy:               s.busy || s.state == models.SessionStateConverting,
		Error:              s.lastErr,
		CreatedAt:          s.createdAt,
		UpdatedAt:          s.updatedAt,
	}
	if s.file != nil {
		snap.FileName = s.file.Name
		snap.MediaType = s.file.MediaType
		snap.FileSize = s.file.Size()
	}
	if s.preview != nil {
		snap.PreviewID = s.preview.ID
		snap.PreviewMediaType = s.preview.MediaType
	}
	if s.outcome != nil {
		o := *s.outcome
		snap.Outcome = &o
	}
	return snap
}

func (s *Session) resultLocked(notes []models.Notification, done <-chan struct{}) *Result {
	if notes == nil {
		notes = []models.Notification{}
	}
	return &Result{
		Snapshot:      s.snapshotLocked(),
		Notifications: notes,
		done:          done,
	}
}

// publishLocked sends the current snapshot to subscribers, one event per
// notification, or a single bare event when there are none. Slow
// subscribers miss events rather than block the session.
func (s *Session) publishLocked(notes ...models.Notification) {
	if len(s.subscribers) == 0 {
		return
	}

	snap := s.snapshotLocked()
	events := make([]Event, 0, 1)
	if len(notes) == 0 {
		events = append(events, Event{SessionID: s.id, Snapshot: snap, At: time.Now()})
	}
	for i := range notes {
		n := notes[i]
		events = append(events, Event{SessionID: s.id, Snapshot: snap, Notification: &n, At: time.Now()})
	}

	for id, ch := range s.subscribers {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
				logger.Warnf("[Session %s] subscriber %d is full, dropping event", shortID(s.id), id)
			}
		}
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
