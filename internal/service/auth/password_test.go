package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestBcryptVerifierCompare(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword(
		[]byte("correct horse battery staple"), bcrypt.MinCost)
	require.NoError(t, err)

	v := NewBcryptVerifier()
	assert.NoError(t, v.Compare(string(hash), "correct horse battery staple"))
	assert.Error(t, v.Compare(string(hash), "wrong password"))
	assert.Error(t, v.Compare("not a bcrypt hash", "correct horse battery staple"))
}
