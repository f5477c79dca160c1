package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"crater-portal/internal/domain"
	"crater-portal/internal/service"
)

const (
	// multipartOverhead is allowed on top of the upload limit for form framing.
	multipartOverhead = 1 << 20
	readyCheckTimeout = 5 * time.Second
)

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// ReadyCheck reports whether one dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Options configures a Handler. Zero values pick defaults.
type Options struct {
	Development    bool
	AllowedOrigins []string
	// TrustedProxies are the proxy CIDRs allowed to set X-Forwarded-For.
	// Empty means the client IP is always the peer address.
	TrustedProxies []string
	// RateLimit is the sustained request rate per client IP on auth routes.
	RateLimit      rate.Limit
	RateBurst      int
	MaxUploadBytes int64
	Version        string
	ReadyChecks    map[string]ReadyCheck
	Logger         *logrus.Logger
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	auth    service.AuthService
	images  service.ImageService
	tokens  TokenVerifier
	limiter *ipLimiter
	logger  *logrus.Logger
	opts    Options
	started time.Time
}

func NewHandler(authSvc service.AuthService, images service.ImageService, tokens TokenVerifier, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 1
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 5
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = service.DefaultMaxUploadBytes
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	return &Handler{
		auth:    authSvc,
		images:  images,
		tokens:  tokens,
		limiter: newIPLimiter(opts.RateLimit, opts.RateBurst),
		logger:  opts.Logger,
		opts:    opts,
		started: time.Now(),
	}
}

// RunJanitor drops idle rate limiter entries until ctx is done.
func (h *Handler) RunJanitor(ctx context.Context, interval time.Duration) {
	h.limiter.Run(ctx, interval)
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	if err := router.SetTrustedProxies(h.opts.TrustedProxies); err != nil {
		h.logger.WithError(err).Error("invalid trusted proxies, trusting none")
		_ = router.SetTrustedProxies(nil)
	}
	router.Use(h.recovery(), h.accessLog(), corsMiddleware(h.opts.AllowedOrigins))

	router.GET("/", h.root)
	router.GET("/uploads/:filename", h.serveFile)

	api := router.Group("/api")
	{
		api.GET("/health", h.health)
		api.GET("/health/ready", h.ready)

		authGroup := api.Group("/auth")
		authGroup.POST("/signup", h.rateLimit(), h.signup)
		authGroup.POST("/signup/verify", h.rateLimit(), h.verifySignup)
		authGroup.POST("/login", h.rateLimit(), h.login)
		authGroup.POST("/login/verify", h.rateLimit(), h.verifyLogin)
		authGroup.GET("/me", h.requireAuth(), h.me)

		image := api.Group("/image")
		image.POST("/upload", h.requireAuth(), h.upload)
		image.GET("/history", h.requireAuth(), h.history)
		image.GET("/file/:filename", h.serveFile)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"message":      "Endpoint not found",
			"requestedUrl": c.Request.URL.RequestURI(),
			"method":       c.Request.Method,
		})
	})
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// bindJSON reports a malformed body as a 400 and returns false.
func (h *Handler) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Invalid request body."})
		return false
	}
	return true
}

func (h *Handler) signup(c *gin.Context) {
	var req signupRequest
	if !h.bindJSON(c, &req) {
		return
	}

	res, err := h.auth.RequestSignup(c.Request.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.OTPSent {
		c.JSON(http.StatusOK, otpSentResponse(res))
		return
	}
	c.JSON(http.StatusCreated, tokenResponse("Signup successful.", res))
}

func (h *Handler) verifySignup(c *gin.Context) {
	var req verifyRequest
	if !h.bindJSON(c, &req) {
		return
	}

	res, err := h.auth.VerifySignup(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tokenResponse("Signup successful.", res))
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if !h.bindJSON(c, &req) {
		return
	}

	res, err := h.auth.RequestLogin(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.OTPSent {
		c.JSON(http.StatusOK, otpSentResponse(res))
		return
	}
	c.JSON(http.StatusOK, tokenResponse("Login successful.", res))
}

func (h *Handler) verifyLogin(c *gin.Context) {
	var req verifyRequest
	if !h.bindJSON(c, &req) {
		return
	}

	res, err := h.auth.VerifyLogin(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse("Login successful.", res))
}

func (h *Handler) me(c *gin.Context) {
	user, err := h.auth.Profile(c.Request.Context(), currentUserID(c))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"message": "User not found"})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": userToResponse(user)})
}

func (h *Handler) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes+multipartOverhead)

	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "File too large."})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "No file uploaded."})
		return
	}
	defer form.RemoveAll()

	headers := form.File["image"]
	uploads := make([]service.Upload, 0, len(headers))
	for _, fh := range headers {
		uploads = append(uploads, service.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}

	sub, err := h.images.Submit(c.Request.Context(), currentUserID(c), uploads)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message":           "Image uploaded successfully.",
		"image":             imageToResponse(*sub.Image),
		"originalImageUrl":  sub.OriginalURL,
		"predictedImageUrl": sub.PredictedURL,
		"prediction":        sub.Outcome.String(),
	})
}

func (h *Handler) history(c *gin.Context) {
	images, err := h.images.History(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := make([]ImageResponse, len(images))
	for i := range images {
		resp[i] = imageToResponse(images[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) serveFile(c *gin.Context) {
	rc, info, err := h.images.OpenFile(c.Request.Context(), c.Param("filename"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"message": "File not found"})
			return
		}
		h.writeError(c, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, info.Size, info.ContentType, rc, nil)
}

func (h *Handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Crater Detection API is running",
		"status":  "OK",
		"version": h.opts.Version,
		"endpoints": gin.H{
			"auth":   "/api/auth",
			"image":  "/api/image",
			"health": "/api/health",
		},
	})
}

func (h *Handler) health(c *gin.Context) {
	env := "production"
	if h.opts.Development {
		env = "development"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "OK",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"uptime":      time.Since(h.started).Seconds(),
		"environment": env,
		"version":     h.opts.Version,
	})
}

// ready runs every dependency check. Any failure reports 503 with the
// per-dependency status.
func (h *Handler) ready(c *gin.Context) {
	checks := make(gin.H, len(h.opts.ReadyChecks))
	healthy := true
	for name, check := range h.opts.ReadyChecks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			healthy = false
			checks[name] = err.Error()
			h.logger.WithError(err).WithField("dependency", name).Warn("readiness check failed")
			continue
		}
		checks[name] = "ok"
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

type UserResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type ImageResponse struct {
	ID             string `json:"id"`
	User           string `json:"user"`
	OriginalImage  string `json:"originalImage"`
	PredictedImage string `json:"predictedImage"`
	CreatedAt      string `json:"createdAt"`
}

func userToResponse(user *domain.User) UserResponse {
	if user == nil {
		return UserResponse{}
	}
	return UserResponse{ID: user.ID, Name: user.Name, Email: user.Email}
}

func imageToResponse(image domain.ImageRecord) ImageResponse {
	return ImageResponse{
		ID:             image.ID,
		User:           image.UserID,
		OriginalImage:  image.OriginalImage,
		PredictedImage: image.PredictedImage,
		CreatedAt:      image.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func otpSentResponse(res *service.AuthResult) gin.H {
	return gin.H{
		"message": "Verification code sent to your email.",
		"otpSent": true,
		"email":   res.Email,
	}
}

func tokenResponse(message string, res *service.AuthResult) gin.H {
	return gin.H{
		"message": message,
		"token":   res.Token,
		"user":    userToResponse(res.User),
	}
}
