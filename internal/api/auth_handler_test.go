package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/sift-api/internal/domain"
	"github.com/phrazzld/sift-api/internal/service/auth"
	"github.com/phrazzld/sift-api/internal/store"
)

// mockJWTService delegates to per-test function fields, with fixed-token
// defaults for the common paths.
type mockJWTService struct {
	GenerateTokenFn        func(ctx context.Context, userID uuid.UUID) (string, error)
	ValidateTokenFn        func(ctx context.Context, tokenString string) (*auth.Claims, error)
	GenerateRefreshTokenFn func(ctx context.Context, userID uuid.UUID) (string, error)
	ValidateRefreshTokenFn func(ctx context.Context, tokenString string) (*auth.Claims, error)
}

func (m *mockJWTService) GenerateToken(ctx context.Context, userID uuid.UUID) (string, error) {
	if m.GenerateTokenFn != nil {
		return m.GenerateTokenFn(ctx, userID)
	}
	return "access-token", nil
}

func (m *mockJWTService) ValidateToken(ctx context.Context, tokenString string) (*auth.Claims, error) {
	if m.ValidateTokenFn != nil {
		return m.ValidateTokenFn(ctx, tokenString)
	}
	return nil, auth.ErrInvalidToken
}

func (m *mockJWTService) GenerateRefreshToken(ctx context.Context, userID uuid.UUID) (string, error) {
	if m.GenerateRefreshTokenFn != nil {
		return m.GenerateRefreshTokenFn(ctx, userID)
	}
	return "refresh-token", nil
}

func (m *mockJWTService) ValidateRefreshToken(ctx context.Context, tokenString string) (*auth.Claims, error) {
	if m.ValidateRefreshTokenFn != nil {
		return m.ValidateRefreshTokenFn(ctx, tokenString)
	}
	return nil, auth.ErrInvalidRefreshToken
}

// mockUserStore keeps users in memory keyed by email.
type mockUserStore struct {
	users map[string]*domain.User
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: map[string]*domain.User{}}
}

func (m *mockUserStore) Create(_ context.Context, user *domain.User) error {
	if _, exists := m.users[user.Email]; exists {
		return store.ErrEmailExists
	}
	m.users[user.Email] = user
	return nil
}

func (m *mockUserStore) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, store.ErrUserNotFound
}

func (m *mockUserStore) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	u, ok := m.users[email]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return u, nil
}

func (m *mockUserStore) Update(_ context.Context, user *domain.User) error {
	m.users[user.Email] = user
	return nil
}

func (m *mockUserStore) Delete(_ context.Context, id uuid.UUID) error {
	for email, u := range m.users {
		if u.ID == id {
			delete(m.users, email)
			return nil
		}
	}
	return store.ErrUserNotFound
}

func (m *mockUserStore) WithTx(*sql.Tx) store.UserStore { return m }

// stubVerifier accepts exactly one password.
type stubVerifier struct {
	accept string
}

func (v *stubVerifier) Compare(_, password string) error {
	if password == v.accept {
		return nil
	}
	return errors.New("password mismatch")
}

func jsonRequest(t *testing.T, method, target string, payload any) *http.Request {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestRegisterReturnsTokenPair(t *testing.T) {
	users := newMockUserStore()
	h := NewAuthHandler(users, &mockJWTService{}, &stubVerifier{})

	req := jsonRequest(t, http.MethodPost, "/api/auth/register", RegisterRequest{
		Email:    "ada@example.com",
		Password: "a long enough password",
	})
	rec := httptest.NewRecorder()
	h.Register(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp AuthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEqual(t, uuid.Nil, resp.UserID)
	assert.Equal(t, "access-token", resp.Token)
	assert.Equal(t, "refresh-token", resp.RefreshToken)

	_, err := users.GetByEmail(context.Background(), "ada@example.com")
	assert.NoError(t, err)
}

func TestRegisterDuplicateEmailConflict(t *testing.T) {
	users := newMockUserStore()
	h := NewAuthHandler(users, &mockJWTService{}, &stubVerifier{})

	payload := RegisterRequest{
		Email:    "ada@example.com",
		Password: "a long enough password",
	}

	rec := httptest.NewRecorder()
	h.Register(rec, jsonRequest(t, http.MethodPost, "/api/auth/register", payload))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	h.Register(rec, jsonRequest(t, http.MethodPost, "/api/auth/register", payload))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLoginReturnsTokenPair(t *testing.T) {
	users := newMockUserStore()
	user, err := domain.NewUser("ada@example.com", "a long enough password")
	require.NoError(t, err)
	require.NoError(t, users.Create(context.Background(), user))

	h := NewAuthHandler(users, &mockJWTService{}, &stubVerifier{accept: "a long enough password"})

	req := jsonRequest(t, http.MethodPost, "/api/auth/login", LoginRequest{
		Email:    "ada@example.com",
		Password: "a long enough password",
	})
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp AuthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, user.ID, resp.UserID)
	assert.Equal(t, "access-token", resp.Token)
	assert.Equal(t, "refresh-token", resp.RefreshToken)
}

func TestLoginWrongPasswordUnauthorized(t *testing.T) {
	users := newMockUserStore()
	user, err := domain.NewUser("ada@example.com", "a long enough password")
	require.NoError(t, err)
	require.NoError(t, users.Create(context.Background(), user))

	h := NewAuthHandler(users, &mockJWTService{}, &stubVerifier{accept: "a long enough password"})

	req := jsonRequest(t, http.MethodPost, "/api/auth/login", LoginRequest{
		Email:    "ada@example.com",
		Password: "not the password",
	})
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshTokenIssuesNewPair(t *testing.T) {
	userID := uuid.New()

	jwtService := &mockJWTService{
		ValidateRefreshTokenFn: func(_ context.Context, tokenString string) (*auth.Claims, error) {
			assert.Equal(t, "initial-refresh-token", tokenString)
			return &auth.Claims{UserID: userID, TokenType: "refresh"}, nil
		},
		GenerateTokenFn: func(_ context.Context, gotUser uuid.UUID) (string, error) {
			assert.Equal(t, userID, gotUser)
			return "new-access-token", nil
		},
		GenerateRefreshTokenFn: func(_ context.Context, gotUser uuid.UUID) (string, error) {
			assert.Equal(t, userID, gotUser)
			return "new-refresh-token", nil
		},
	}

	h := NewAuthHandler(newMockUserStore(), jwtService, &stubVerifier{})

	req := jsonRequest(t, http.MethodPost, "/api/auth/refresh", RefreshTokenRequest{
		RefreshToken: "initial-refresh-token",
	})
	rec := httptest.NewRecorder()
	h.RefreshToken(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp RefreshTokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "new-access-token", resp.AccessToken)
	assert.Equal(t, "new-refresh-token", resp.RefreshToken)
}

func TestRefreshTokenRejectsInvalid(t *testing.T) {
	h := NewAuthHandler(newMockUserStore(), &mockJWTService{}, &stubVerifier{})

	req := jsonRequest(t, http.MethodPost, "/api/auth/refresh", RefreshTokenRequest{
		RefreshToken: "not-a-refresh-token",
	})
	rec := httptest.NewRecorder()
	h.RefreshToken(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshTokenRejectsExpired(t *testing.T) {
	jwtService := &mockJWTService{
		ValidateRefreshTokenFn: func(context.Context, string) (*auth.Claims, error) {
			return nil, auth.ErrExpiredRefreshToken
		},
	}

	h := NewAuthHandler(newMockUserStore(), jwtService, &stubVerifier{})

	req := jsonRequest(t, http.MethodPost, "/api/auth/refresh", RefreshTokenRequest{
		RefreshToken: "stale-refresh-token",
	})
	rec := httptest.NewRecorder()
	h.RefreshToken(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
