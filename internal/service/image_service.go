package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"crater-portal/internal/domain"
	"crater-portal/internal/imaging"
	"crater-portal/internal/inference"
	"crater-portal/internal/repository"
	"crater-portal/internal/storage"
)

const (
	DefaultMaxUploadBytes = 10 << 20
	uploadURLPrefix       = "/uploads/"
	resizedPrefix         = "resized-"
	predictedPrefix       = "predicted-"
)

// allowedTypes maps accepted upload MIME types to the extension used when the
// original file name carries none we recognise.
var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

var allowedExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}

// imageExts names stored files by the content type of their bytes.
var imageExts = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// Detector runs crater detection on a normalized image.
type Detector interface {
	Detect(ctx context.Context, filename, contentType string, image []byte) inference.Result
}

// Upload is one file taken from a multipart request. Open is only called
// after validation has passed.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// Submission is the result of a completed pipeline run.
type Submission struct {
	Image          *domain.ImageRecord
	Outcome        inference.Outcome
	FallbackReason error
	OriginalURL    string
	PredictedURL   string
}

// ImageService runs the submission pipeline and serves history.
type ImageService interface {
	Submit(ctx context.Context, ownerID string, files []Upload) (*Submission, error)
	History(ctx context.Context, ownerID string) ([]domain.ImageRecord, error)
	OpenFile(ctx context.Context, name string) (io.ReadCloser, storage.ObjectInfo, error)
}

// ImageOptions tunes an ImageService. Zero values pick defaults.
type ImageOptions struct {
	MaxUploadBytes int64
	Logger         *logrus.Logger
	Now            func() time.Time
}

type imageService struct {
	images   repository.ImageRepository
	files    storage.Service
	detector Detector
	maxBytes int64
	logger   *logrus.Logger
	now      func() time.Time
}

func NewImageService(images repository.ImageRepository, files storage.Service, detector Detector, opts ImageOptions) ImageService {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &imageService{
		images:   images,
		files:    files,
		detector: detector,
		maxBytes: opts.MaxUploadBytes,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// FileURL is the public path under which a stored upload is served.
func FileURL(name string) string {
	return uploadURLPrefix + name
}

// Submit runs validate, normalize, infer and persist strictly in that order.
// Inference failure is not an error: the normalized image is copied into the
// prediction slot and the outcome is reported as inference.Fallback.
func (s *imageService) Submit(ctx context.Context, ownerID string, files []Upload) (*Submission, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.ErrUnauthorized
	}

	valid, err := s.validate(files)
	if err != nil {
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{"owner": ownerID, "upload": valid.upload.Filename})

	norm, err := s.normalize(ctx, valid, log)
	if err != nil {
		return nil, err
	}
	log = log.WithField("original", norm.resized)

	pred, err := s.infer(ctx, norm, log)
	if err != nil {
		return nil, err
	}

	record, err := s.persist(ctx, ownerID, norm, pred, log)
	if err != nil {
		return nil, err
	}

	return &Submission{
		Image:          record,
		Outcome:        pred.result.Outcome,
		FallbackReason: pred.result.Reason,
		OriginalURL:    FileURL(record.OriginalImage),
		PredictedURL:   FileURL(record.PredictedImage),
	}, nil
}

func (s *imageService) History(ctx context.Context, ownerID string) ([]domain.ImageRecord, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.ErrUnauthorized
	}
	images, err := s.images.ListByUser(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if images == nil {
		images = []domain.ImageRecord{}
	}
	return images, nil
}

func (s *imageService) OpenFile(ctx context.Context, name string) (io.ReadCloser, storage.ObjectInfo, error) {
	if !storage.ValidName(name) {
		return nil, storage.ObjectInfo{}, domain.ErrNotFound
	}
	return s.files.Open(ctx, name)
}

type validatedUpload struct {
	upload Upload
	ext    string
}

// validate checks count, type and size before any disk or network work.
func (s *imageService) validate(files []Upload) (*validatedUpload, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no file uploaded", domain.ErrInvalidInput)
	}
	if len(files) > 1 {
		return nil, fmt.Errorf("%w: exactly one image must be uploaded", domain.ErrInvalidInput)
	}

	up := files[0]
	contentType := strings.ToLower(strings.TrimSpace(up.ContentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	defaultExt, ok := allowedTypes[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: invalid file type, only JPEG, PNG and WebP images are allowed", domain.ErrInvalidInput)
	}
	if up.Size > s.maxBytes {
		return nil, fmt.Errorf("%w: file exceeds the %d MB limit", domain.ErrInvalidInput, s.maxBytes>>20)
	}
	if up.Open == nil {
		return nil, fmt.Errorf("%w: no file uploaded", domain.ErrInvalidInput)
	}

	ext := strings.ToLower(filepath.Ext(up.Filename))
	if !allowedExts[ext] {
		ext = defaultExt
	}
	up.ContentType = contentType
	return &validatedUpload{upload: up, ext: ext}, nil
}

type normalizedUpload struct {
	base    string
	resized string
	image   *imaging.Normalized
}

// normalize stages the raw upload, writes the canonical-size copy and removes
// the staged file. The staged file is removed on failure too, so a rejected
// image leaves nothing behind.
func (s *imageService) normalize(ctx context.Context, v *validatedUpload, log *logrus.Entry) (*normalizedUpload, error) {
	raw, err := s.readUpload(v.upload)
	if err != nil {
		return nil, err
	}

	base := s.generateName()
	staged := base + v.ext
	if err := s.files.Put(ctx, staged, bytes.NewReader(raw), v.upload.ContentType); err != nil {
		return nil, fmt.Errorf("%w: store upload: %w", domain.ErrInternal, err)
	}
	defer s.removeStaged(ctx, staged, log)

	img, err := imaging.Normalize(raw)
	if err != nil {
		log.WithError(err).Warn("normalization failed")
		return nil, err
	}

	resized := resizedPrefix + base + img.Ext
	if err := s.files.Put(ctx, resized, bytes.NewReader(img.Data), img.ContentType); err != nil {
		return nil, fmt.Errorf("%w: store normalized image: %w", domain.ErrInternal, err)
	}

	return &normalizedUpload{base: base, resized: resized, image: img}, nil
}

func (s *imageService) readUpload(up Upload) ([]byte, error) {
	rc, err := up.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open upload: %w", domain.ErrInternal, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read upload: %w", domain.ErrInternal, err)
	}
	if int64(len(raw)) > s.maxBytes {
		return nil, fmt.Errorf("%w: file exceeds the %d MB limit", domain.ErrInvalidInput, s.maxBytes>>20)
	}
	return raw, nil
}

func (s *imageService) removeStaged(ctx context.Context, name string, log *logrus.Entry) {
	if err := s.files.Delete(context.WithoutCancel(ctx), name); err != nil {
		log.WithError(err).WithField("file", name).Warn("remove staged upload")
	}
}

type prediction struct {
	name   string
	result inference.Result
}

// infer asks the detector for an annotated image and falls back to a copy of
// the normalized image when it fails.
func (s *imageService) infer(ctx context.Context, n *normalizedUpload, log *logrus.Entry) (*prediction, error) {
	name := predictedPrefix + n.base + n.image.Ext
	res := s.detector.Detect(ctx, n.resized, n.image.ContentType, n.image.Data)

	switch res.Outcome {
	case inference.Detected:
		contentType, ext := detectedType(res, n.image)
		name = predictedPrefix + n.base + ext
		if err := s.files.Put(ctx, name, bytes.NewReader(res.Image), contentType); err != nil {
			return nil, fmt.Errorf("%w: store prediction: %w", domain.ErrInternal, err)
		}
		log.WithField("predicted", name).Info("crater detection completed")
	default:
		if res.Reason == nil {
			res.Reason = errors.New("inference fallback without reason")
		}
		log.WithError(res.Reason).WithFields(logrus.Fields{
			"predicted": name,
			"degraded":  true,
		}).Warn("inference unavailable, using normalized image as prediction")
		if err := s.files.Copy(ctx, n.resized, name); err != nil {
			return nil, fmt.Errorf("%w: copy fallback prediction: %w", domain.ErrInternal, err)
		}
		res.Outcome = inference.Fallback
	}

	return &prediction{name: name, result: res}, nil
}

// detectedType picks the content type and extension for an annotated image.
// The declared type wins when it is one we can name; otherwise the bytes are
// sniffed, and the normalized image's type is the last resort.
func detectedType(res inference.Result, normalized *imaging.Normalized) (string, string) {
	if mediaType, _, err := mime.ParseMediaType(res.ContentType); err == nil {
		if ext, ok := imageExts[mediaType]; ok {
			return mediaType, ext
		}
	}
	sniffed := http.DetectContentType(res.Image)
	if ext, ok := imageExts[sniffed]; ok {
		return sniffed, ext
	}
	return normalized.ContentType, normalized.Ext
}

// persist inserts the record. Files written by earlier stages are not removed
// when the insert fails.
func (s *imageService) persist(ctx context.Context, ownerID string, n *normalizedUpload, p *prediction, log *logrus.Entry) (*domain.ImageRecord, error) {
	record := &domain.ImageRecord{
		UserID:         ownerID,
		OriginalImage:  n.resized,
		PredictedImage: p.name,
		CreatedAt:      s.now(),
	}
	if _, err := s.images.Create(ctx, record); err != nil {
		log.WithError(err).WithField("predicted", p.name).Error("persist image record, files left orphaned")
		return nil, fmt.Errorf("%w: save image record: %w", domain.ErrInternal, err)
	}
	return record, nil
}

// generateName returns "<unix millis>-<random 9 digits>".
func (s *imageService) generateName() string {
	return fmt.Sprintf("%d-%09d", s.now().UnixMilli(), rand.IntN(1_000_000_000))
}
