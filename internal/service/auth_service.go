package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"crater-portal/internal/domain"
	"crater-portal/internal/otp"
	"crater-portal/internal/repository"
)

const (
	DefaultBcryptCost = 10
	minPasswordLength = 6
)

// CodeSender delivers one-time codes out of band.
type CodeSender interface {
	SendCode(ctx context.Context, to, purpose, code string) error
}

// TokenIssuer mints session tokens for user ids.
type TokenIssuer interface {
	Issue(userID string) (string, error)
}

// AuthResult is the outcome of a signup or login step. When OTPSent is true
// the caller must verify the code; otherwise Token and User are set.
type AuthResult struct {
	OTPSent bool
	Email   string
	Token   string
	User    *domain.User
}

// AuthService describes the code-gated registration and login flows.
type AuthService interface {
	RequestSignup(ctx context.Context, name, email, password string) (*AuthResult, error)
	VerifySignup(ctx context.Context, email, code string) (*AuthResult, error)
	RequestLogin(ctx context.Context, email, password string) (*AuthResult, error)
	VerifyLogin(ctx context.Context, email, code string) (*AuthResult, error)
	Register(ctx context.Context, name, email, password string) (*domain.User, error)
	Profile(ctx context.Context, userID string) (*domain.User, error)
}

// AuthOptions tunes an AuthService. Zero values pick defaults.
type AuthOptions struct {
	BcryptCost   int
	Logger       *logrus.Logger
	GenerateCode func() (string, error)
}

type authService struct {
	users        repository.UserRepository
	codes        *otp.Store
	sender       CodeSender
	tokens       TokenIssuer
	bcryptCost   int
	logger       *logrus.Logger
	generateCode func() (string, error)
}

func NewAuthService(users repository.UserRepository, codes *otp.Store, sender CodeSender, tokens TokenIssuer, opts AuthOptions) AuthService {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = DefaultBcryptCost
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.GenerateCode == nil {
		opts.GenerateCode = otp.GenerateCode
	}
	return &authService{
		users:        users,
		codes:        codes,
		sender:       sender,
		tokens:       tokens,
		bcryptCost:   opts.BcryptCost,
		logger:       opts.Logger,
		generateCode: opts.GenerateCode,
	}
}

func (s *authService) RequestSignup(ctx context.Context, name, email, password string) (*AuthResult, error) {
	pending, err := s.prepareUser(ctx, name, email, password)
	if err != nil {
		return nil, err
	}

	code, err := s.generateCode()
	if err != nil {
		return nil, err
	}
	s.codes.Put(otp.PurposeSignup, pending.Email, code, "", pending)

	log := s.logger.WithFields(logrus.Fields{"email": pending.Email, "purpose": otp.PurposeSignup})
	if err := s.sender.SendCode(ctx, pending.Email, string(otp.PurposeSignup), code); err != nil {
		log.WithError(err).Warn("code delivery failed, registering without verification")
		s.codes.Delete(otp.PurposeSignup, pending.Email)
		return s.createAndIssue(ctx, pending)
	}

	log.Info("signup code sent")
	return &AuthResult{OTPSent: true, Email: pending.Email}, nil
}

func (s *authService) VerifySignup(ctx context.Context, email, code string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	entry, err := s.checkCode(otp.PurposeSignup, email, code)
	if err != nil {
		return nil, err
	}
	if entry.Pending == nil {
		s.codes.Delete(otp.PurposeSignup, email)
		return nil, domain.ErrNoPendingCode
	}

	res, err := s.createAndIssue(ctx, entry.Pending)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateEmail) {
			s.codes.Delete(otp.PurposeSignup, email)
		}
		return nil, err
	}
	s.codes.Delete(otp.PurposeSignup, email)
	return res, nil
}

// RequestLogin reports unknown emails and wrong passwords with the same error.
func (s *authService) RequestLogin(ctx context.Context, email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: all fields are required", domain.ErrInvalidInput)
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, domain.ErrInvalidCredentials
	}

	code, err := s.generateCode()
	if err != nil {
		return nil, err
	}
	s.codes.Put(otp.PurposeLogin, email, code, user.ID, nil)

	log := s.logger.WithFields(logrus.Fields{"email": email, "purpose": otp.PurposeLogin})
	if err := s.sender.SendCode(ctx, email, string(otp.PurposeLogin), code); err != nil {
		log.WithError(err).Warn("code delivery failed, issuing token directly")
		s.codes.Delete(otp.PurposeLogin, email)
		return s.issue(user)
	}

	log.Info("login code sent")
	return &AuthResult{OTPSent: true, Email: email}, nil
}

func (s *authService) VerifyLogin(ctx context.Context, email, code string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	entry, err := s.checkCode(otp.PurposeLogin, email, code)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, entry.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.codes.Delete(otp.PurposeLogin, email)
		}
		return nil, err
	}

	res, err := s.issue(user)
	if err != nil {
		return nil, err
	}
	s.codes.Delete(otp.PurposeLogin, email)
	return res, nil
}

// Register creates a user directly, without any code verification.
func (s *authService) Register(ctx context.Context, name, email, password string) (*domain.User, error) {
	pending, err := s.prepareUser(ctx, name, email, password)
	if err != nil {
		return nil, err
	}
	return s.createUser(ctx, pending)
}

func (s *authService) Profile(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return sanitizeUser(user), nil
}

// prepareUser validates signup input, rejects taken emails and hashes the password.
func (s *authService) prepareUser(ctx context.Context, name, email, password string) (*domain.PendingUser, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)

	if name == "" || email == "" || password == "" {
		return nil, fmt.Errorf("%w: all fields are required", domain.ErrInvalidInput)
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, fmt.Errorf("%w: invalid email address", domain.ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters long", domain.ErrInvalidInput, minPasswordLength)
	}

	_, err := s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return nil, domain.ErrDuplicateEmail
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	return &domain.PendingUser{Name: name, Email: email, PasswordHash: string(hash)}, nil
}

func (s *authService) checkCode(purpose otp.Purpose, email, code string) (otp.Entry, error) {
	if email == "" || strings.TrimSpace(code) == "" {
		return otp.Entry{}, fmt.Errorf("%w: email and code are required", domain.ErrInvalidInput)
	}

	entry, now, ok := s.codes.Get(purpose, email)
	if !ok {
		return otp.Entry{}, domain.ErrNoPendingCode
	}
	if entry.Expired(now) {
		s.codes.Delete(purpose, email)
		return otp.Entry{}, domain.ErrCodeExpired
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(code)), []byte(entry.Code)) != 1 {
		if remaining := s.codes.Fail(purpose, email); remaining == 0 {
			s.logger.WithFields(logrus.Fields{"email": email, "purpose": purpose}).Warn("too many wrong codes, pending request discarded")
		}
		return otp.Entry{}, domain.ErrInvalidCode
	}
	return entry, nil
}

func (s *authService) createUser(ctx context.Context, pending *domain.PendingUser) (*domain.User, error) {
	user := &domain.User{
		Name:         pending.Name,
		Email:        pending.Email,
		PasswordHash: pending.PasswordHash,
	}
	if _, err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"user_id": user.ID, "email": user.Email}).Info("user created")
	return sanitizeUser(user), nil
}

func (s *authService) createAndIssue(ctx context.Context, pending *domain.PendingUser) (*AuthResult, error) {
	user, err := s.createUser(ctx, pending)
	if err != nil {
		return nil, err
	}
	return s.issue(user)
}

func (s *authService) issue(user *domain.User) (*AuthResult, error) {
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &AuthResult{Email: user.Email, Token: token, User: sanitizeUser(user)}, nil
}

func sanitizeUser(user *domain.User) *domain.User {
	if user == nil {
		return nil
	}
	return &domain.User{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
	}
}
