package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"crater-portal/internal/auth"
	"crater-portal/internal/config"
	apphttp "crater-portal/internal/http"
	"crater-portal/internal/inference"
	"crater-portal/internal/notify"
	"crater-portal/internal/otp"
	"crater-portal/internal/repository/sqlite"
	"crater-portal/internal/service"
	"crater-portal/internal/storage"
)

const (
	version         = "1.0.0"
	janitorInterval = time.Minute
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}
	if !cfg.Development() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	userRepo := sqlite.NewUserRepository(db)
	imageRepo := sqlite.NewImageRepository(db)

	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}
	if err := imageRepo.Init(ctx); err != nil {
		logger.Fatalf("init image repository: %v", err)
	}

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	mailer := notify.NewSMTPMailer(notify.Config{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		From:     cfg.Mail.From,
	})
	if !mailer.Configured() {
		logger.Warn("mail delivery not configured, signup and login will skip code verification")
	}

	codes := otp.NewStore(cfg.Auth.OTPTTL, cfg.Auth.OTPGrace, cfg.Auth.OTPMaxAttempts)
	go codes.Run(ctx, janitorInterval)

	tokens := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	detector := inference.NewClient(cfg.Inference.BaseURL, cfg.Inference.Timeout)

	authService := service.NewAuthService(userRepo, codes, mailer, tokens, service.AuthOptions{
		BcryptCost: cfg.Auth.BcryptCost,
		Logger:     logger,
	})
	imageService := service.NewImageService(imageRepo, storageSvc, detector, service.ImageOptions{
		MaxUploadBytes: cfg.Uploads.MaxBytes,
		Logger:         logger,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	handler := apphttp.NewHandler(authService, imageService, tokens, apphttp.Options{
		Development:    cfg.Development(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TrustedProxies: cfg.Server.TrustedProxies,
		RateLimit:      rate.Limit(cfg.Auth.RateLimit),
		RateBurst:      cfg.Auth.RateBurst,
		MaxUploadBytes: cfg.Uploads.MaxBytes,
		Version:        version,
		ReadyChecks: map[string]apphttp.ReadyCheck{
			"database":  db.PingContext,
			"inference": detector.Health,
		},
		Logger: logger,
	})
	handler.RegisterRoutes(router)
	go handler.RunJanitor(ctx, janitorInterval)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}

	logger.Info("bye")
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Backend != "s3" {
		disk, err := storage.NewDiskService(cfg.Uploads.Dir)
		if err != nil {
			return nil, err
		}
		logger.Infof("storing uploads in %s", disk.Root())
		return disk, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	s3Svc, err := storage.NewS3Service(client, cfg.Storage.Bucket, cfg.Storage.KeyPrefix)
	if err != nil {
		return nil, err
	}
	return s3Svc, nil
}
