package repository

import (
	"context"

	"crater-portal/internal/domain"
)

// ImageRepository persists image records produced by the submission pipeline.
type ImageRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, image *domain.ImageRecord) (string, error)
	ListByUser(ctx context.Context, userID string) ([]domain.ImageRecord, error)
}
