package authstub

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatorRejectsEmptySecret(t *testing.T) {
	assert.Nil(t, NewValidator("  "))
}

func TestValidateRoundTrips(t *testing.T) {
	v := NewValidator("a-test-secret")
	require.NotNil(t, v)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		RoleKey: "red-team-operator",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("a-test-secret"))
	require.NoError(t, err)

	got, err := v.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "red-team-operator", got.RoleKey)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	v := NewValidator("a-test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RoleKey: "x"})
	signed, err := token.SignedString([]byte("a-different-secret"))
	require.NoError(t, err)

	_, err = v.Validate(signed)
	assert.Error(t, err)
}

func TestNilValidatorRejects(t *testing.T) {
	var v *Validator
	_, err := v.Validate("anything")
	assert.Error(t, err)
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", ExtractToken(r))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", ExtractToken(r2))
}
