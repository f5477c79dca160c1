package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crater-portal/internal/domain"
	"crater-portal/internal/repository"
)

const createImagesTable = `
CREATE TABLE IF NOT EXISTS images (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	original_image TEXT NOT NULL,
	predicted_image TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_images_user_created ON images(user_id, created_at);
`

type ImageRepository struct {
	db *sql.DB
}

func NewImageRepository(db *sql.DB) repository.ImageRepository {
	return &ImageRepository{db: db}
}

// Init expects the users table to exist already because of the foreign key.
func (r *ImageRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createImagesTable); err != nil {
		return fmt.Errorf("create images table: %w", err)
	}
	return nil
}

func (r *ImageRepository) Create(ctx context.Context, image *domain.ImageRecord) (string, error) {
	if image.ID == "" {
		image.ID = uuid.NewString()
	}
	if image.CreatedAt.IsZero() {
		image.CreatedAt = time.Now()
	}
	image.CreatedAt = image.CreatedAt.UTC()

	_, err := r.db.ExecContext(ctx, `
INSERT INTO images (id, user_id, original_image, predicted_image, created_at)
VALUES (?, ?, ?, ?, ?)`,
		image.ID,
		image.UserID,
		image.OriginalImage,
		image.PredictedImage,
		image.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert image: %w", err)
	}
	return image.ID, nil
}

// ListByUser returns the owner's records newest first. Equal timestamps fall
// back to insertion order.
func (r *ImageRepository) ListByUser(ctx context.Context, userID string) ([]domain.ImageRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, user_id, original_image, predicted_image, created_at
FROM images
WHERE user_id = ?
ORDER BY created_at DESC, rowid DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	images := []domain.ImageRecord{}
	for rows.Next() {
		var image domain.ImageRecord
		if err := rows.Scan(&image.ID, &image.UserID, &image.OriginalImage, &image.PredictedImage, &image.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, image)
	}

	return images, rows.Err()
}
