package domain

import "time"

// ImageRecord links an owner to the normalized upload and the prediction produced for it.
type ImageRecord struct {
	ID             string
	UserID         string
	OriginalImage  string
	PredictedImage string
	CreatedAt      time.Time
}
