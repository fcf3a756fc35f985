// handlers_session.go - Upload session handlers
package api

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pome-analysis/backend/internal/catalog"
	"github.com/pome-analysis/backend/internal/models"
	"github.com/pome-analysis/backend/internal/session"
	"github.com/vmihailenco/msgpack/v5"
)

// SessionHandlerImpl implements the SessionHandler interface
type SessionHandlerImpl struct {
	sessionMgr    *session.Manager
	catalog       *catalog.Catalog
	maxUploadSize int64
}

// NewSessionHandler creates a new session handler instance
func NewSessionHandler(sessionMgr *session.Manager, cat *catalog.Catalog, maxUploadSize int64) SessionHandler {
	return &SessionHandlerImpl{
		sessionMgr:    sessionMgr,
		catalog:       cat,
		maxUploadSize: maxUploadSize,
	}
}

// sessionResponse is the body returned by every session operation
type sessionResponse struct {
	Session        models.SessionSnapshot `json:"session"`
	Notifications  []models.Notification  `json:"notifications"`
	Distribution   []catalog.Row          `json:"distribution,omitempty"`
	ProcessingTime string                 `json:"processingTime,omitempty"`
	Pending        bool                   `json:"pending,omitempty"`
}

func (h *SessionHandlerImpl) present(snap models.SessionSnapshot, notes []models.Notification) sessionResponse {
	if notes == nil {
		notes = []models.Notification{}
	}
	resp := sessionResponse{Session: snap, Notifications: notes}
	if snap.Outcome != nil {
		shares := snap.Outcome.Distribution()
		if h.catalog != nil {
			resp.Distribution = h.catalog.Label(shares)
		} else {
			for _, s := range shares {
				resp.Distribution = append(resp.Distribution, catalog.Row{CategoryShare: s})
			}
		}
		resp.ProcessingTime = models.FormatProcessingTime(snap.Outcome.ProcessingTimeMs)
	}
	return resp
}

// lookup finds the session named in the path and records the access
func (h *SessionHandlerImpl) lookup(c echo.Context) (*session.Session, error) {
	id := c.Param("id")
	s, ok := h.sessionMgr.Get(id)
	if !ok {
		return nil, NewNotFoundError("session", id)
	}
	s.Touch()
	return s, nil
}

// respond writes the result of an operation. With ?wait=true the request
// blocks until the asynchronous part has settled and returns the final state
// along with the notification that settled it.
func (h *SessionHandlerImpl) respond(c echo.Context, s *session.Session, res *session.Result) error {
	if c.QueryParam("wait") == "true" {
		if err := res.Wait(c.Request().Context()); err != nil {
			return NewServiceUnavailableError("request cancelled before the operation settled")
		}
		settled := res.Settled()
		notes := make([]models.Notification, 0, len(res.Notifications)+len(settled))
		notes = append(notes, res.Notifications...)
		notes = append(notes, settled...)
		return c.JSON(http.StatusOK, h.present(s.Snapshot(), notes))
	}

	resp := h.present(res.Snapshot, res.Notifications)
	select {
	case <-res.Done():
		return c.JSON(http.StatusOK, resp)
	default:
		resp.Pending = true
		return c.JSON(http.StatusAccepted, resp)
	}
}

// HandleCreateSession starts a new empty upload session
func (h *SessionHandlerImpl) HandleCreateSession(c echo.Context) error {
	s, err := h.sessionMgr.Create()
	if err != nil {
		return sessionError("", err)
	}
	return c.JSON(http.StatusCreated, h.present(s.Snapshot(), nil))
}

// HandleGetSession returns the current state of a session
func (h *SessionHandlerImpl) HandleGetSession(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.present(s.Snapshot(), nil))
}

// HandleGetSessionMsgpack returns the session snapshot encoded as MessagePack
func (h *SessionHandlerImpl) HandleGetSessionMsgpack(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}

	data, err := encodeMsgpack(s.Snapshot())
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// encodeMsgpack encodes v using its json tags so both formats share keys
func encodeMsgpack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HandleCloseSession ends a session and releases its previews
func (h *SessionHandlerImpl) HandleCloseSession(c echo.Context) error {
	id := c.Param("id")
	if err := h.sessionMgr.Close(id); err != nil {
		return sessionError(id, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleChooseFile replaces the selected file. Accepts multipart form data
// with a "file" field, or a JSON body with base64 data.
func (h *SessionHandlerImpl) HandleChooseFile(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}

	file, err := h.readFile(c)
	if err != nil {
		return err
	}

	res, err := s.ChooseFile(file)
	if err != nil {
		return sessionError(s.ID(), err)
	}
	return h.respond(c, s, res)
}

func (h *SessionHandlerImpl) readFile(c echo.Context) (models.SelectedFile, error) {
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		var req chooseFileRequest
		if err := c.Bind(&req); err != nil {
			return models.SelectedFile{}, NewBadRequestError("invalid JSON body", err)
		}
		if err := req.validate(); err != nil {
			return models.SelectedFile{}, err
		}
		data, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			return models.SelectedFile{}, NewBadRequestError("invalid base64 data", err)
		}
		if int64(len(data)) > h.maxUploadSize {
			return models.SelectedFile{}, h.tooLarge()
		}
		return models.SelectedFile{Name: req.Name, MediaType: req.MediaType, Data: data}, nil
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return models.SelectedFile{}, NewValidationError("file")
	}
	if fh.Size > h.maxUploadSize {
		return models.SelectedFile{}, h.tooLarge()
	}

	src, err := fh.Open()
	if err != nil {
		return models.SelectedFile{}, NewBadRequestError("failed to open uploaded file", err)
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.maxUploadSize+1))
	if err != nil {
		return models.SelectedFile{}, NewBadRequestError("failed to read uploaded file", err)
	}
	if int64(len(data)) > h.maxUploadSize {
		return models.SelectedFile{}, h.tooLarge()
	}

	return models.SelectedFile{
		Name:      fh.Filename,
		MediaType: fh.Header.Get(echo.HeaderContentType),
		Data:      data,
	}, nil
}

func (h *SessionHandlerImpl) tooLarge() *APIError {
	return &APIError{
		Status:  http.StatusRequestEntityTooLarge,
		Code:    "FILE_TOO_LARGE",
		Message: fmt.Sprintf("file exceeds the %d byte limit", h.maxUploadSize),
	}
}

// HandleRemoveFile clears the selected file
func (h *SessionHandlerImpl) HandleRemoveFile(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}

	res, err := s.RemoveFile()
	if err != nil {
		return sessionError(s.ID(), err)
	}
	return c.JSON(http.StatusOK, h.present(res.Snapshot, res.Notifications))
}

// HandleGetPreview returns the displayable preview of the selected file
func (h *SessionHandlerImpl) HandleGetPreview(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}

	handle, data, err := s.Preview()
	if err != nil {
		return sessionError(s.ID(), err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, handle.MediaType, data)
}

// HandleAnalyze submits the selected file for analysis. Without a selected
// file the call does nothing and returns the current state.
func (h *SessionHandlerImpl) HandleAnalyze(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}

	res, err := s.Analyze()
	if errors.Is(err, session.ErrNoFileSelected) {
		return c.JSON(http.StatusOK, h.present(s.Snapshot(), nil))
	}
	if err != nil {
		return sessionError(s.ID(), err)
	}
	return h.respond(c, s, res)
}

// HandleGetAnnotated returns the annotated image of the last analysis
func (h *SessionHandlerImpl) HandleGetAnnotated(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}

	handle, data, err := s.Annotated()
	if err != nil {
		return sessionError(s.ID(), err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, handle.MediaType, data)
}

// HandleGetHistoryCard returns the last outcome as a history entry with the
// input and annotated images inlined
func (h *SessionHandlerImpl) HandleGetHistoryCard(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}

	card, err := s.HistoryCard()
	if err != nil {
		return sessionError(s.ID(), err)
	}
	return c.JSON(http.StatusOK, card)
}

// HandleSessionKeepAlive updates the session's last access time
func (h *SessionHandlerImpl) HandleSessionKeepAlive(c echo.Context) error {
	id := c.Param("id")
	if !h.sessionMgr.Touch(id) {
		return NewNotFoundError("session", id)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type chooseFileRequest struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	Data      string `json:"data"` // Base64-encoded content
}

func (r *chooseFileRequest) validate() error {
	if r.Name == "" {
		return NewValidationError("name")
	}
	if r.Data == "" {
		return NewValidationError("data")
	}
	return nil
}
