package service_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"crater-portal/internal/repository"
	"crater-portal/internal/repository/sqlite"
)

func newRepos(t *testing.T) (repository.UserRepository, repository.ImageRepository) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users := sqlite.NewUserRepository(db)
	images := sqlite.NewImageRepository(db)
	require.NoError(t, users.Init(context.Background()))
	require.NoError(t, images.Init(context.Background()))
	return users, images
}

func newLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}
