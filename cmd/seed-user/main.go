package main

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"crater-portal/internal/config"
	"crater-portal/internal/domain"
	"crater-portal/internal/otp"
	"crater-portal/internal/repository/sqlite"
	"crater-portal/internal/service"
)

// seed-user creates a known account for local development.
func main() {
	var (
		name     = flag.String("name", "Test User", "display name")
		email    = flag.String("email", "test@example.com", "login email")
		password = flag.String("password", "testpassword", "login password")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	users := sqlite.NewUserRepository(db)
	if err := users.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	// codes are never sent here; Register creates the user directly
	authService := service.NewAuthService(users, otp.NewStore(0, 0, 0), nil, nil, service.AuthOptions{
		BcryptCost: cfg.Auth.BcryptCost,
		Logger:     logger,
	})

	user, err := authService.Register(ctx, *name, *email, *password)
	switch {
	case errors.Is(err, domain.ErrDuplicateEmail):
		logger.WithField("email", *email).Info("test user already exists")
		return
	case err != nil:
		logger.Fatalf("create test user: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"id":    user.ID,
		"email": user.Email,
	}).Info("test user created")
}
