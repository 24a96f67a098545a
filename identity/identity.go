package identity

import (
	"context"
	"github.com/golang-jwt/jwt/v5"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"github.com/ztrue/tracerr"
	"strings"
	"time"
)

var (
	// ErrorInvalidSessionToken is returned when a session token cannot be verified
	ErrorInvalidSessionToken = utils.NewVeilError("IDENTITY_INVALID_SESSION_TOKEN", "session token is invalid")
	// ErrorSessionTokenNoSubject is returned when a verified session token has no `sub` claim
	ErrorSessionTokenNoSubject = utils.NewVeilError("IDENTITY_SESSION_TOKEN_NO_SUBJECT", "session token has no subject")
	// ErrorEmptySecret is returned when signing or verifying with an empty secret
	ErrorEmptySecret = utils.NewVeilError("IDENTITY_EMPTY_SECRET", "session secret cannot be empty")
)

// User is an entry of the user directory.
type User struct {
	ID       string `json:"id" bson:"_id"`
	Name     string `json:"name,omitempty" bson:"name,omitempty"`
	FullName string `json:"fullName,omitempty" bson:"full_name,omitempty"`
}

// DisplayName returns FullName, else Name, else ID.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.FullName != "" {
		return u.FullName
	}
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

// Session is the currently logged-in user.
type Session struct {
	UserID string
	User   *User
}

// DisplayName is the name under which the session user signs its messages.
func (s *Session) DisplayName() string {
	if s == nil {
		return ""
	}
	if s.User != nil {
		return s.User.DisplayName()
	}
	return s.UserID
}

// UserFilter selects users in a Directory.
type UserFilter struct {
	// ExcludeID, if set, removes this user from the results.
	ExcludeID string
	// Search, if set, keeps only users whose name contains it, case-insensitively.
	Search string
	// Limit caps the number of results. 0 means no limit.
	Limit int
}

// Directory is the identity service's user listing.
type Directory interface {
	QueryUsers(ctx context.Context, filter UserFilter) ([]User, error)
}

// ExcludeSelf returns users without selfID.
func ExcludeSelf(users []User, selfID string) []User {
	res := make([]User, 0, len(users))
	for _, u := range users {
		if u.ID != selfID {
			res = append(res, u)
		}
	}
	return res
}

// Matches reports whether the user's name (or id when the user has no name) contains term,
// case-insensitively. An empty term matches everyone.
func (u *User) Matches(term string) bool {
	if term == "" {
		return true
	}
	name := u.Name
	if name == "" {
		name = u.FullName
	}
	if name == "" {
		name = u.ID
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(term))
}

// Search returns the users matching term.
func Search(users []User, term string) []User {
	res := make([]User, 0, len(users))
	for _, u := range users {
		if u.Matches(term) {
			res = append(res, u)
		}
	}
	return res
}

// Apply runs filter over an in-memory list of users.
func (filter UserFilter) Apply(users []User) []User {
	res := Search(users, filter.Search)
	if filter.ExcludeID != "" {
		res = ExcludeSelf(res, filter.ExcludeID)
	}
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res
}

type sessionClaims struct {
	Name     string `json:"name,omitempty"`
	FullName string `json:"full_name,omitempty"`
	jwt.RegisteredClaims
}

// IssueSessionToken signs an HS256 session token for user, valid for ttl (no expiry if ttl <= 0).
func IssueSessionToken(user User, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", tracerr.Wrap(ErrorEmptySecret)
	}
	claims := sessionClaims{
		Name:     user.Name,
		FullName: user.FullName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user.ID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(secret))
	return signedToken, tracerr.Wrap(err)
}

// ParseSessionToken verifies an HS256 session token and returns the session it describes.
func ParseSessionToken(token string, secret string) (*Session, error) {
	if secret == "" {
		return nil, tracerr.Wrap(ErrorEmptySecret)
	}
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidSessionToken.AddDetails(err.Error()))
	}
	if claims.Subject == "" {
		return nil, tracerr.Wrap(ErrorSessionTokenNoSubject)
	}
	return &Session{
		UserID: claims.Subject,
		User:   &User{ID: claims.Subject, Name: claims.Name, FullName: claims.FullName},
	}, nil
}
