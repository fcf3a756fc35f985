package models

// HistoryItem is a past prediction as stored by the analysis backend.
type HistoryItem struct {
	ID                   string         `json:"id"`
	Timestamp            float64        `json:"timestamp"`
	Detections           map[string]int `json:"detections"`
	TotalObjects         int            `json:"total_objects"`
	DensityPercentage    float64        `json:"density_percentage,omitempty"`
	AnnotatedImageBase64 string         `json:"annotated_image_base64"`
	InputImageBase64     string         `json:"input_image_base64,omitempty"`
	ProcessingTime       float64        `json:"processingTime,omitempty"`
}
