package models

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Outcome is the result of a successful analysis request.
type Outcome struct {
	ID                string         `json:"id"`
	Detections        map[string]int `json:"detections"`
	TotalObjects      int            `json:"totalObjects"`
	DensityPercentage float64        `json:"densityPercentage"`
	ProcessingTimeMs  float64        `json:"processingTimeMs"`
	AnnotatedImage    []byte         `json:"-"`
	AnnotatedID       string         `json:"annotatedId,omitempty"`
	InputID           string         `json:"inputId,omitempty"`
	AnalyzedAt        time.Time      `json:"analyzedAt"`
}

// Normalize fills in the total from the per-category counts when the
// backend left it out.
func (o *Outcome) Normalize() {
	if o.Detections == nil {
		o.Detections = make(map[string]int)
	}
	if o.TotalObjects == 0 {
		for _, n := range o.Detections {
			o.TotalObjects += n
		}
	}
}

// HistoryItem converts the outcome into a history card with the given input
// and annotated images.
func (o *Outcome) HistoryItem(input, annotated []byte) HistoryItem {
	item := HistoryItem{
		ID:                o.ID,
		Detections:        o.Detections,
		TotalObjects:      o.TotalObjects,
		DensityPercentage: o.DensityPercentage,
		ProcessingTime:    o.ProcessingTimeMs,
	}
	if !o.AnalyzedAt.IsZero() {
		item.Timestamp = float64(o.AnalyzedAt.UnixMilli()) / 1000
	}
	if len(input) > 0 {
		item.InputImageBase64 = base64.StdEncoding.EncodeToString(input)
	}
	if len(annotated) > 0 {
		item.AnnotatedImageBase64 = base64.StdEncoding.EncodeToString(annotated)
	}
	return item
}

// CategoryShare is one row of the class distribution chart.
type CategoryShare struct {
	Name       string  `json:"name"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Distribution returns the per-category counts with their share of the
// total, largest first.
func (o *Outcome) Distribution() []CategoryShare {
	shares := make([]CategoryShare, 0, len(o.Detections))
	for name, count := range o.Detections {
		var pct float64
		if o.TotalObjects > 0 {
			pct = float64(count) / float64(o.TotalObjects) * 100
		}
		shares = append(shares, CategoryShare{Name: name, Count: count, Percentage: pct})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Count != shares[j].Count {
			return shares[i].Count > shares[j].Count
		}
		return shares[i].Name < shares[j].Name
	})
	return shares
}

// FormatProcessingTime renders a duration in milliseconds the way the
// results card shows it: "532ms" below one second, "1.25s" above.
func FormatProcessingTime(ms float64) string {
	if ms < 1000 {
		return strconv.FormatFloat(ms, 'f', -1, 64) + "ms"
	}
	return fmt.Sprintf("%.2fs", ms/1000)
}
