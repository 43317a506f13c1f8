package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/outcome-exchange/internal/config"
	"github.com/outcome-exchange/internal/market"
	"github.com/outcome-exchange/pkg/middleware"
	"github.com/outcome-exchange/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeUserStore struct {
	byEmail map[string]*market.User
	byID    map[int64]*market.User
	nextID  int64
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{byEmail: make(map[string]*market.User), byID: make(map[int64]*market.User)}
}

func (f *fakeUserStore) UserByEmail(_ context.Context, email string) (*market.User, error) {
	if u, ok := f.byEmail[email]; ok {
		return u, nil
	}
	return nil, market.NotFoundf("user with email %s not found", email)
}

func (f *fakeUserStore) UserByID(_ context.Context, id int64) (*market.User, error) {
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return nil, market.NotFoundf("user %d not found", id)
}

func (f *fakeUserStore) CreateUser(_ context.Context, u *market.User) (*market.User, error) {
	if _, exists := f.byEmail[u.Email]; exists {
		return nil, market.Validationf("user with email %s already exists", u.Email)
	}
	f.nextID++
	created := *u
	created.ID = f.nextID
	f.byEmail[created.Email] = &created
	f.byID[created.ID] = &created
	return &created, nil
}

func newTestService() (*Service, *fakeUserStore) {
	store := newFakeUserStore()
	logger := observability.NewLogger(config.ObservabilityConfig{LogLevel: "error"})
	service := NewService(store,
		config.JWTConfig{Secret: "test-secret", Expiry: time.Hour},
		config.SecurityConfig{BCryptCost: bcrypt.MinCost},
		logger)
	return service, store
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService()

	user, err := service.Register(ctx, RegisterRequest{Email: "Alice@Example.com", Password: "secret-password"})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, market.RoleUser, user.Role)
	assert.True(t, user.IsActive)
	assert.True(t, user.WalletBalance.IsZero())

	// The stored hash verifies against the original password
	stored := store.byEmail["alice@example.com"]
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("secret-password")))

	t.Run("DuplicateEmail", func(t *testing.T) {
		_, err := service.Register(ctx, RegisterRequest{Email: "alice@example.com", Password: "another-password"})
		require.Error(t, err)
		assert.Equal(t, market.KindValidation, market.KindOf(err))
	})

	t.Run("ShortPassword", func(t *testing.T) {
		_, err := service.Register(ctx, RegisterRequest{Email: "bob@example.com", Password: "short"})
		require.Error(t, err)
	})

	t.Run("InvalidEmail", func(t *testing.T) {
		_, err := service.Register(ctx, RegisterRequest{Email: "not-an-email", Password: "secret-password"})
		require.Error(t, err)
	})
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService()

	_, err := service.Register(ctx, RegisterRequest{Email: "alice@example.com", Password: "secret-password"})
	require.NoError(t, err)

	t.Run("IssuesValidToken", func(t *testing.T) {
		response, err := service.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "secret-password"})
		require.NoError(t, err)
		require.NotEmpty(t, response.Token)
		assert.True(t, response.ExpiresAt.After(time.Now()))

		claims := &middleware.Claims{}
		token, err := jwt.ParseWithClaims(response.Token, claims, func(*jwt.Token) (interface{}, error) {
			return []byte("test-secret"), nil
		})
		require.NoError(t, err)
		assert.True(t, token.Valid)
		assert.Equal(t, "1", claims.UserID)
		assert.Equal(t, "alice@example.com", claims.Email)
		assert.Equal(t, "user", claims.Role)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		_, err := service.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "wrong"})
		require.Error(t, err)
		assert.Equal(t, market.KindAuthorization, market.KindOf(err))
	})

	t.Run("UnknownEmail", func(t *testing.T) {
		_, err := service.Login(ctx, LoginRequest{Email: "nobody@example.com", Password: "secret-password"})
		require.Error(t, err)
		assert.Equal(t, market.KindAuthorization, market.KindOf(err))
	})

	t.Run("DeactivatedAccount", func(t *testing.T) {
		store.byEmail["alice@example.com"].IsActive = false
		_, err := service.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "secret-password"})
		require.Error(t, err)
	})
}
