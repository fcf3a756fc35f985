// Package history exposes the analysis backend's prediction history and maps
// each outcome to the message a user should see.
package history

import (
	"context"
	"errors"

	"github.com/pome-analysis/backend/internal/analysis"
	"github.com/pome-analysis/backend/internal/logging"
	"github.com/pome-analysis/backend/internal/models"
)

var logger = logging.New("history")

// Backend is the subset of the analysis client the browser needs.
type Backend interface {
	History(ctx context.Context) ([]models.HistoryItem, error)
	HistoryItem(ctx context.Context, id string) (*models.HistoryItem, error)
	ClearHistory(ctx context.Context) (string, error)
}

// Browser lists, fetches and clears past predictions.
type Browser struct {
	backend Backend
}

// NewBrowser creates a Browser over backend.
func NewBrowser(backend Backend) *Browser {
	return &Browser{backend: backend}
}

// List returns past predictions, newest first. On failure it returns the
// error with a notification for the user.
func (b *Browser) List(ctx context.Context) ([]models.HistoryItem, *models.Notification, error) {
	items, err := b.backend.History(ctx)
	if err != nil {
		logger.Warnf("fetching history: %v", err)
		return nil, failure(err, "Failed to fetch history"), err
	}
	if items == nil {
		items = []models.HistoryItem{}
	}
	return items, nil, nil
}

// Get returns one prediction.
func (b *Browser) Get(ctx context.Context, id string) (*models.HistoryItem, *models.Notification, error) {
	item, err := b.backend.HistoryItem(ctx, id)
	if err != nil {
		logger.Warnf("fetching prediction %s: %v", id, err)
		if errors.Is(err, analysis.ErrNotFound) {
			n := models.Error("Prediction not found")
			return nil, &n, err
		}
		return nil, failure(err, "Failed to fetch prediction"), err
	}
	return item, nil, nil
}

// Clear removes all predictions. On success the backend's message is
// returned as a success notification.
func (b *Browser) Clear(ctx context.Context) (*models.Notification, error) {
	msg, err := b.backend.ClearHistory(ctx)
	if err != nil {
		logger.Warnf("clearing history: %v", err)
		return failure(err, "Failed to clear history"), err
	}
	if msg == "" {
		msg = "History cleared"
	}
	n := models.Success(msg)
	return &n, nil
}

func failure(err error, fallback string) *models.Notification {
	msg := fallback
	if errors.Is(err, analysis.ErrNotConnected) {
		msg = "Not connected to backend"
	}
	n := models.Error(msg)
	return &n
}
