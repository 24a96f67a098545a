package identity

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestUser(t *testing.T) {
	t.Parallel()
	t.Run("DisplayName", func(t *testing.T) {
		assert.Equal(t, "Alice Liddell", (&User{ID: "alice", Name: "Alice", FullName: "Alice Liddell"}).DisplayName())
		assert.Equal(t, "Alice", (&User{ID: "alice", Name: "Alice"}).DisplayName())
		assert.Equal(t, "alice", (&User{ID: "alice"}).DisplayName())
		var nilUser *User
		assert.Equal(t, "", nilUser.DisplayName())
	})
	t.Run("Session DisplayName", func(t *testing.T) {
		assert.Equal(t, "Bob", (&Session{UserID: "bob", User: &User{ID: "bob", Name: "Bob"}}).DisplayName())
		assert.Equal(t, "bob", (&Session{UserID: "bob"}).DisplayName())
	})
}

func TestFilters(t *testing.T) {
	t.Parallel()
	users := []User{
		{ID: "alice", Name: "Alice"},
		{ID: "bob", Name: "Bob"},
		{ID: "carol-42"},
		{ID: "dave", FullName: "David Bowman"},
	}

	t.Run("ExcludeSelf", func(t *testing.T) {
		res := ExcludeSelf(users, "bob")
		assert.Len(t, res, 3)
		for _, u := range res {
			assert.NotEqual(t, "bob", u.ID)
		}
	})

	t.Run("Search", func(t *testing.T) {
		assert.Equal(t, []User{{ID: "alice", Name: "Alice"}}, Search(users, "LIC"))
		assert.Equal(t, []User{{ID: "carol-42"}}, Search(users, "42"))
		assert.Equal(t, []User{{ID: "dave", FullName: "David Bowman"}}, Search(users, "bowman"))
		assert.Len(t, Search(users, ""), 4)
		assert.Empty(t, Search(users, "zzz"))
	})

	t.Run("Apply", func(t *testing.T) {
		assert.Equal(t, []User{{ID: "bob", Name: "Bob"}}, UserFilter{ExcludeID: "alice", Search: "b", Limit: 1}.Apply(users))
		assert.Len(t, UserFilter{ExcludeID: "alice"}.Apply(users), 3)
	})
}

func TestSessionToken(t *testing.T) {
	t.Parallel()
	secret := "session-secret"
	user := User{ID: "alice", Name: "Alice", FullName: "Alice Liddell"}

	t.Run("round-trip", func(t *testing.T) {
		token, err := IssueSessionToken(user, secret, time.Hour)
		require.NoError(t, err)
		session, err := ParseSessionToken(token, secret)
		require.NoError(t, err)
		assert.Equal(t, "alice", session.UserID)
		assert.Equal(t, user, *session.User)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := IssueSessionToken(user, secret, 0)
		require.NoError(t, err)
		_, err = ParseSessionToken(token, "other-secret")
		assert.ErrorIs(t, err, ErrorInvalidSessionToken)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := IssueSessionToken(user, secret, -time.Hour)
		require.NoError(t, err)
		_, err = ParseSessionToken(token, secret)
		require.NoError(t, err)

		expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "alice",
			"exp": time.Now().Add(-time.Minute).Unix(),
		})
		signed, err := expired.SignedString([]byte(secret))
		require.NoError(t, err)
		_, err = ParseSessionToken(signed, secret)
		assert.ErrorIs(t, err, ErrorInvalidSessionToken)
	})

	t.Run("no subject", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"name": "nobody"})
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)
		_, err = ParseSessionToken(signed, secret)
		assert.ErrorIs(t, err, ErrorSessionTokenNoSubject)
	})

	t.Run("unexpected algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "alice"})
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)
		_, err = ParseSessionToken(signed, secret)
		assert.ErrorIs(t, err, ErrorInvalidSessionToken)
	})

	t.Run("empty secret", func(t *testing.T) {
		_, err := IssueSessionToken(user, "", 0)
		assert.ErrorIs(t, err, ErrorEmptySecret)
		_, err = ParseSessionToken("whatever", "")
		assert.ErrorIs(t, err, ErrorEmptySecret)
	})
}
