package service_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crater-portal/internal/domain"
	"crater-portal/internal/imaging"
	"crater-portal/internal/inference"
	"crater-portal/internal/repository"
	"crater-portal/internal/service"
	"crater-portal/internal/storage"
)

type fakeDetector struct {
	mu     sync.Mutex
	calls  int
	result func(image []byte) inference.Result
}

func (d *fakeDetector) Detect(_ context.Context, _, _ string, image []byte) inference.Result {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.result == nil {
		return inference.Result{Outcome: inference.Fallback, Reason: inference.ErrNotConfigured}
	}
	return d.result(image)
}

func (d *fakeDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type imageFixture struct {
	svc      service.ImageService
	users    repository.UserRepository
	images   repository.ImageRepository
	files    *storage.DiskService
	detector *fakeDetector
	logger   *logrus.Logger
	logs     *test.Hook
	owner    string
	now      time.Time
}

func newImageFixture(t *testing.T) *imageFixture {
	t.Helper()
	users, images := newRepos(t)
	logger, hook := newLogger()

	files, err := storage.NewDiskService(t.TempDir())
	require.NoError(t, err)

	owner := &domain.User{Name: "A", Email: "a@x.com", PasswordHash: "hash"}
	_, err = users.Create(context.Background(), owner)
	require.NoError(t, err)

	f := &imageFixture{
		users:    users,
		images:   images,
		files:    files,
		detector: &fakeDetector{},
		logger:   logger,
		logs:     hook,
		owner:    owner.ID,
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = f.build(images, files)
	return f
}

// build wires an ImageService over the given collaborators, sharing the
// fixture's detector, logger and clock.
func (f *imageFixture) build(images repository.ImageRepository, files storage.Service) service.ImageService {
	return service.NewImageService(images, files, f.detector, service.ImageOptions{
		Logger: f.logger,
		Now:    func() time.Time { return f.now },
	})
}

type failingImages struct {
	repository.ImageRepository
	err error
}

func (r failingImages) Create(context.Context, *domain.ImageRecord) (string, error) {
	return "", r.err
}

type failingCopy struct {
	storage.Service
	err error
}

func (s failingCopy) Copy(context.Context, string, string) error {
	return s.err
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y += 8 {
		for x := 0; x < w; x += 8 {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func upload(name, contentType string, data []byte) service.Upload {
	return service.Upload{
		Filename:    name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func readStored(t *testing.T, files *storage.DiskService, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(files.Root(), name))
	require.NoError(t, err)
	return data
}

func listStored(t *testing.T, files *storage.DiskService) []string {
	t.Helper()
	entries, err := os.ReadDir(files.Root())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestImageService_SubmitFallback(t *testing.T) {
	f := newImageFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Submit(ctx, f.owner, []service.Upload{upload("moon.jpg", "image/jpeg", encodeJPEG(t, 2000, 1500))})
	require.NoError(t, err)

	assert.Equal(t, inference.Fallback, sub.Outcome)
	assert.ErrorIs(t, sub.FallbackReason, inference.ErrNotConfigured)
	assert.Regexp(t, `^resized-\d+-\d{9}\.jpg$`, sub.Image.OriginalImage)
	assert.Regexp(t, `^predicted-\d+-\d{9}\.jpg$`, sub.Image.PredictedImage)
	assert.Equal(t, "/uploads/"+sub.Image.OriginalImage, sub.OriginalURL)
	assert.Equal(t, "/uploads/"+sub.Image.PredictedImage, sub.PredictedURL)
	assert.Equal(t, f.owner, sub.Image.UserID)
	assert.NotEmpty(t, sub.Image.ID)

	original := readStored(t, f.files, sub.Image.OriginalImage)
	predicted := readStored(t, f.files, sub.Image.PredictedImage)
	assert.Equal(t, original, predicted, "fallback prediction must be a copy of the normalized image")

	cfg, format, err := image.DecodeConfig(bytes.NewReader(original))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, imaging.CanonicalSize, cfg.Width)
	assert.Equal(t, imaging.CanonicalSize, cfg.Height)

	// only the two derived files remain; the staged upload is gone
	assert.ElementsMatch(t, []string{sub.Image.OriginalImage, sub.Image.PredictedImage}, listStored(t, f.files))

	var degraded []*logrus.Entry
	for _, entry := range f.logs.AllEntries() {
		if entry.Data["degraded"] == true {
			degraded = append(degraded, entry)
		}
	}
	require.Len(t, degraded, 1)
	assert.Equal(t, logrus.WarnLevel, degraded[0].Level)
	assert.Equal(t, sub.Image.PredictedImage, degraded[0].Data["predicted"])
	assert.ErrorIs(t, degraded[0].Data[logrus.ErrorKey].(error), inference.ErrNotConfigured)
}

func TestImageService_DetectedIsNotDegraded(t *testing.T) {
	f := newImageFixture(t)
	f.detector.result = func([]byte) inference.Result {
		return inference.Result{Outcome: inference.Detected, Image: encodeJPEG(t, 8, 8), ContentType: "image/jpeg"}
	}

	_, err := f.svc.Submit(context.Background(), f.owner, []service.Upload{upload("a.jpg", "image/jpeg", encodeJPEG(t, 8, 8))})
	require.NoError(t, err)

	for _, entry := range f.logs.AllEntries() {
		assert.NotContains(t, entry.Data, "degraded")
	}
}

func TestImageService_PersistFailureLeavesFiles(t *testing.T) {
	f := newImageFixture(t)
	svc := f.build(failingImages{ImageRepository: f.images, err: errors.New("db down")}, f.files)

	_, err := svc.Submit(context.Background(), f.owner, []service.Upload{upload("a.png", "image/png", encodePNG(t, 8, 8))})
	require.ErrorIs(t, err, domain.ErrInternal)
	assert.Contains(t, err.Error(), "db down")

	stored := listStored(t, f.files)
	require.Len(t, stored, 2, "written files are not rolled back")
	var resized, predicted int
	for _, name := range stored {
		switch {
		case strings.HasPrefix(name, "resized-"):
			resized++
		case strings.HasPrefix(name, "predicted-"):
			predicted++
		}
	}
	assert.Equal(t, 1, resized)
	assert.Equal(t, 1, predicted)

	last := f.logs.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.ErrorLevel, last.Level)
	assert.Contains(t, last.Data, "predicted")

	history, err := f.svc.History(context.Background(), f.owner)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestImageService_FallbackCopyFailure(t *testing.T) {
	f := newImageFixture(t)
	svc := f.build(f.images, failingCopy{Service: f.files, err: errors.New("disk full")})

	_, err := svc.Submit(context.Background(), f.owner, []service.Upload{upload("a.png", "image/png", encodePNG(t, 8, 8))})
	require.ErrorIs(t, err, domain.ErrInternal)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, f.detector.Calls())

	history, err := f.svc.History(context.Background(), f.owner)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestImageService_SubmitDetected(t *testing.T) {
	f := newImageFixture(t)
	annotated := encodeJPEG(t, 64, 64)
	f.detector.result = func([]byte) inference.Result {
		return inference.Result{Outcome: inference.Detected, Image: annotated, ContentType: "image/jpeg"}
	}

	sub, err := f.svc.Submit(context.Background(), f.owner, []service.Upload{upload("moon.png", "image/png", encodePNG(t, 64, 32))})
	require.NoError(t, err)

	assert.Equal(t, inference.Detected, sub.Outcome)
	assert.NoError(t, sub.FallbackReason)
	assert.Regexp(t, `\.png$`, sub.Image.OriginalImage)
	assert.Regexp(t, `^predicted-\d+-\d{9}\.jpg$`, sub.Image.PredictedImage, "named after the returned bytes, not the upload")
	assert.Equal(t, annotated, readStored(t, f.files, sub.Image.PredictedImage))
	assert.Equal(t, 1, f.detector.Calls())

	rc, info, err := f.svc.OpenFile(context.Background(), sub.Image.PredictedImage)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, http.DetectContentType(annotated), info.ContentType)
}

func TestImageService_DetectedTypeIsSniffedWhenUndeclared(t *testing.T) {
	f := newImageFixture(t)
	annotated := encodePNG(t, 16, 16)
	f.detector.result = func([]byte) inference.Result {
		return inference.Result{Outcome: inference.Detected, Image: annotated, ContentType: "application/octet-stream"}
	}

	sub, err := f.svc.Submit(context.Background(), f.owner, []service.Upload{upload("moon.jpg", "image/jpeg", encodeJPEG(t, 32, 32))})
	require.NoError(t, err)

	assert.Regexp(t, `\.jpg$`, sub.Image.OriginalImage)
	assert.Regexp(t, `\.png$`, sub.Image.PredictedImage)
}

func TestImageService_DistinctNames(t *testing.T) {
	f := newImageFixture(t)
	data := encodePNG(t, 16, 16)

	first, err := f.svc.Submit(context.Background(), f.owner, []service.Upload{upload("a.png", "image/png", data)})
	require.NoError(t, err)
	second, err := f.svc.Submit(context.Background(), f.owner, []service.Upload{upload("a.png", "image/png", data)})
	require.NoError(t, err)

	assert.NotEqual(t, first.Image.OriginalImage, second.Image.OriginalImage)
	assert.NotEqual(t, first.Image.PredictedImage, second.Image.PredictedImage)
	assert.NotEqual(t, first.Image.ID, second.Image.ID)
}

func TestImageService_RejectsBeforeAnyWork(t *testing.T) {
	f := newImageFixture(t)
	opened := false
	openTracker := func() (io.ReadCloser, error) {
		opened = true
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	tests := []struct {
		name  string
		files []service.Upload
	}{
		{"no file", nil},
		{"too large", []service.Upload{{Filename: "big.jpg", ContentType: "image/jpeg", Size: 15 << 20, Open: openTracker}}},
		{"text file", []service.Upload{{Filename: "notes.txt", ContentType: "text/plain", Size: 10, Open: openTracker}}},
		{"two files", []service.Upload{
			{Filename: "a.jpg", ContentType: "image/jpeg", Size: 10, Open: openTracker},
			{Filename: "b.jpg", ContentType: "image/jpeg", Size: 10, Open: openTracker},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), f.owner, tc.files)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}

	assert.False(t, opened)
	assert.Zero(t, f.detector.Calls())
	assert.Empty(t, listStored(t, f.files))

	history, err := f.svc.History(context.Background(), f.owner)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestImageService_SizeCheckedAfterRead(t *testing.T) {
	f := newImageFixture(t)
	data := bytes.Repeat([]byte{0xff}, service.DefaultMaxUploadBytes+1)

	// the declared size lies; the limited read still catches it
	up := upload("big.jpg", "image/jpeg", data)
	up.Size = 1

	_, err := f.svc.Submit(context.Background(), f.owner, []service.Upload{up})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, listStored(t, f.files))
}

func TestImageService_UndecodableImage(t *testing.T) {
	f := newImageFixture(t)

	_, err := f.svc.Submit(context.Background(), f.owner, []service.Upload{upload("fake.jpg", "image/jpeg", []byte("not really a jpeg"))})
	assert.ErrorIs(t, err, domain.ErrUnprocessableImage)
	assert.Zero(t, f.detector.Calls())
	assert.Empty(t, listStored(t, f.files), "staged upload must be removed")

	history, err := f.svc.History(context.Background(), f.owner)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestImageService_OpenFailure(t *testing.T) {
	f := newImageFixture(t)
	up := service.Upload{
		Filename:    "a.png",
		ContentType: "image/png",
		Size:        10,
		Open:        func() (io.ReadCloser, error) { return nil, errors.New("disk gone") },
	}

	_, err := f.svc.Submit(context.Background(), f.owner, []service.Upload{up})
	assert.ErrorIs(t, err, domain.ErrInternal)
}

func TestImageService_HistoryNewestFirst(t *testing.T) {
	f := newImageFixture(t)
	data := encodePNG(t, 8, 8)

	var names []string
	for i := 0; i < 3; i++ {
		f.now = f.now.Add(time.Minute)
		sub, err := f.svc.Submit(context.Background(), f.owner, []service.Upload{upload("a.png", "image/png", data)})
		require.NoError(t, err)
		names = append(names, sub.Image.OriginalImage)
	}

	history, err := f.svc.History(context.Background(), f.owner)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, names[2], history[0].OriginalImage)
	assert.Equal(t, names[1], history[1].OriginalImage)
	assert.Equal(t, names[0], history[2].OriginalImage)
	assert.True(t, history[0].CreatedAt.After(history[1].CreatedAt))
}

func TestImageService_HistoryIsPerOwner(t *testing.T) {
	f := newImageFixture(t)

	other := &domain.User{Name: "B", Email: "b@x.com", PasswordHash: "hash"}
	_, err := f.users.Create(context.Background(), other)
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), f.owner, []service.Upload{upload("a.png", "image/png", encodePNG(t, 8, 8))})
	require.NoError(t, err)

	history, err := f.svc.History(context.Background(), other.ID)
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)

	_, err = f.svc.History(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestImageService_OpenFile(t *testing.T) {
	f := newImageFixture(t)

	sub, err := f.svc.Submit(context.Background(), f.owner, []service.Upload{upload("a.png", "image/png", encodePNG(t, 8, 8))})
	require.NoError(t, err)

	rc, info, err := f.svc.OpenFile(context.Background(), sub.Image.PredictedImage)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, "image/png", info.ContentType)

	_, _, err = f.svc.OpenFile(context.Background(), "../secret")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, _, err = f.svc.OpenFile(context.Background(), "missing.png")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
