package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/sift-api/internal/domain"
)

// Common request/response structures

// RegisterRequest defines the payload for the user registration endpoint.
type RegisterRequest struct {
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required,min=12,max=72"`
}

// LoginRequest defines the payload for the user login endpoint.
type LoginRequest struct {
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required,min=1"`
}

// AuthResponse defines the successful response for authentication endpoints.
type AuthResponse struct {
	// UserID is the unique identifier for the authenticated user
	UserID uuid.UUID `json:"user_id"`

	// Token is the JWT token used for API authorization
	Token string `json:"token"`

	// RefreshToken is the JWT token used to obtain new access tokens
	RefreshToken string `json:"refresh_token,omitempty"`
}

// RefreshTokenRequest defines the payload for the token refresh endpoint.
type RefreshTokenRequest struct {
	// RefreshToken is the JWT refresh token used to obtain a new token pair
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// RefreshTokenResponse defines the successful response for the token refresh endpoint.
type RefreshTokenResponse struct {
	// AccessToken is the new JWT token used for API authorization
	AccessToken string `json:"access_token"`

	// RefreshToken is the new JWT token used to obtain future access tokens
	RefreshToken string `json:"refresh_token"`
}

// UploadResponse is the external representation of an upload record.
type UploadResponse struct {
	ID            uuid.UUID `json:"id"`
	Filename      string    `json:"filename"`
	Status        string    `json:"status"`
	TotalRows     *int64    `json:"total_rows"`
	ProcessedRows int64     `json:"processed_rows"`
	SkippedRows   *int64    `json:"skipped_rows,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UploadListResponse wraps the user's uploads.
type UploadListResponse struct {
	Uploads []UploadResponse `json:"uploads"`
}

// NewUploadResponse shapes a domain upload for the API.
func NewUploadResponse(u *domain.Upload) UploadResponse {
	return UploadResponse{
		ID:            u.ID,
		Filename:      u.OriginalFilename,
		Status:        string(u.Status),
		TotalRows:     u.TotalRows,
		ProcessedRows: u.ProcessedRows,
		SkippedRows:   metadataInt64(u.Metadata, domain.MetadataSkippedRows),
		Error:         metadataString(u.Metadata, domain.MetadataError),
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

// NewUploadListResponse shapes a slice of domain uploads for the API.
func NewUploadListResponse(uploads []*domain.Upload) UploadListResponse {
	out := UploadListResponse{Uploads: make([]UploadResponse, 0, len(uploads))}
	for _, u := range uploads {
		out.Uploads = append(out.Uploads, NewUploadResponse(u))
	}
	return out
}

// metadataInt64 reads an integer metadata value. Values written as int64
// come back as float64 after a JSONB round-trip, so both shapes are handled.
func metadataInt64(metadata map[string]any, key string) *int64 {
	switch v := metadata[key].(type) {
	case int64:
		return &v
	case float64:
		n := int64(v)
		return &n
	default:
		return nil
	}
}

func metadataString(metadata map[string]any, key string) string {
	s, _ := metadata[key].(string)
	return s
}
