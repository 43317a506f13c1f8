package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/outcome-exchange/internal/config"
	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/pkg/middleware"
	"github.com/outcome-exchange/pkg/observability"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// UserStore is the durable-store surface of the auth service.
// *market.Repository is the production implementation.
type UserStore interface {
	UserByEmail(ctx context.Context, email string) (*market.User, error)
	UserByID(ctx context.Context, id int64) (*market.User, error)
	CreateUser(ctx context.Context, u *market.User) (*market.User, error)
}

// Service provides registration, login, and token issuance
type Service struct {
	repo     UserStore
	jwtCfg   config.JWTConfig
	security config.SecurityConfig
	logger   *observability.Logger
}

// NewService creates the auth service
func NewService(repo UserStore, jwtCfg config.JWTConfig, security config.SecurityConfig, logger *observability.Logger) *Service {
	return &Service{repo: repo, jwtCfg: jwtCfg, security: security, logger: logger}
}

// RegisterRequest carries a new account submission
type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest carries a credential check
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries the issued access token
type LoginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *market.User `json:"user"`
}

// Register creates a new user account
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*market.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, market.Validationf("a valid email is required")
	}
	if len(req.Password) < 8 {
		return nil, market.Validationf("password must be at least 8 characters")
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = strings.SplitN(email, "@", 2)[0]
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.security.BCryptCost)
	if err != nil {
		return nil, market.Infra(err, "failed to hash password")
	}

	user, err := s.repo.CreateUser(ctx, &market.User{
		Email:         email,
		Username:      username,
		PasswordHash:  string(hash),
		WalletBalance: decimal.Zero,
		Role:          market.RoleUser,
		IsActive:      true,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "User registered", map[string]interface{}{"user_id": user.ID})
	return user, nil
}

// Login verifies credentials and issues an access token
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	user, err := s.repo.UserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if market.KindOf(err) == market.KindNotFound {
			return nil, market.Authorizationf("invalid email or password")
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, market.Authorizationf("user account is deactivated")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, market.Authorizationf("invalid email or password")
	}

	token, expiresAt, err := s.issueToken(user)
	if err != nil {
		return nil, market.Infra(err, "failed to issue token")
	}

	return &LoginResponse{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

// GetUser loads the authenticated user's profile
func (s *Service) GetUser(ctx context.Context, id int64) (*market.User, error) {
	return s.repo.UserByID(ctx, id)
}

func (s *Service) issueToken(user *market.User) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(s.jwtCfg.Expiry)

	claims := &middleware.Claims{
		UserID: fmt.Sprintf("%d", user.ID),
		Email:  user.Email,
		Role:   string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", user.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.jwtCfg.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}
