package query

import (
	"encoding/base64"
	"encoding/json"

	"github.com/phrazzld/sift-api/internal/domain"
	"github.com/phrazzld/sift-api/internal/store"
)

// EncodeCursor produces the opaque page token for a keyset position.
// The token is base64url so it survives query strings unescaped.
func EncodeCursor(pos store.CursorPos) string {
	data, _ := json.Marshal(pos)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a page token back into a keyset position.
// Returns a validation error for tokens this server could not have issued.
func DecodeCursor(token string) (store.CursorPos, error) {
	var pos store.CursorPos

	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return pos, domain.NewValidationError("cursor", "malformed cursor token", nil)
	}

	if err := json.Unmarshal(data, &pos); err != nil {
		return pos, domain.NewValidationError("cursor", "malformed cursor token", nil)
	}

	return pos, nil
}
