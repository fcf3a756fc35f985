package models

// SelectedFile is the image a user picked for analysis.
type SelectedFile struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	Data      []byte `json:"-"`
}

// Size returns the payload size in bytes.
func (f *SelectedFile) Size() int64 {
	return int64(len(f.Data))
}

// Blob is a binary payload tagged with its media type.
type Blob struct {
	Data      []byte
	MediaType string
}
