package realtime

import (
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func signedTestToken(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	byJwt, err := token.SignedString([]byte("test-key"))
	assert.Equal(t, err, nil)
	return byJwt
}

func TestParseSessionTokenUnverified(t *testing.T) {
	byJwt := signedTestToken(t, gojwt.MapClaims{
		"user_id":          "u1",
		"organization_ids": []string{"orgA", "orgB"},
	})

	token, err := ParseSessionTokenUnverified(byJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, token.UserId, "u1")
	assert.Equal(t, token.OrganizationIds, []string{"orgA", "orgB"})
}

func TestParseSessionTokenMissingClaims(t *testing.T) {
	byJwt := signedTestToken(t, gojwt.MapClaims{})

	token, err := ParseSessionTokenUnverified(byJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, token.UserId, "")
	assert.Equal(t, len(token.OrganizationIds), 0)
}

func TestParseSessionTokenInvalid(t *testing.T) {
	_, err := ParseSessionTokenUnverified("")
	assert.NotEqual(t, err, nil)

	_, err = ParseSessionTokenUnverified("not.a.jwt")
	assert.NotEqual(t, err, nil)
}

func TestNewSession(t *testing.T) {
	byJwt := signedTestToken(t, gojwt.MapClaims{
		"user_id":          "u1",
		"organization_ids": []string{"orgA"},
	})

	session, err := NewSession(&SessionAuth{ByJwt: byJwt}, []*Organization{
		{Id: "orgB", MemberUserIds: []string{"u1"}},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, session.UserId, "u1")

	// membership via the token claim
	assert.Equal(t, session.IsMemberOf("orgA"), true)
	// membership via the organization member list
	assert.Equal(t, session.IsMemberOf("orgB"), true)
	assert.Equal(t, session.IsMemberOf("orgC"), false)
}

func TestSessionAuthUserId(t *testing.T) {
	byJwt := signedTestToken(t, gojwt.MapClaims{"user_id": "u9"})
	auth := &SessionAuth{ByJwt: byJwt, InstanceId: NewId()}

	userId, err := auth.UserId()
	assert.Equal(t, err, nil)
	assert.Equal(t, userId, "u9")
}
