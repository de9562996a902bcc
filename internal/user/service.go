package user

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator checks logins against the single shared account. Only the
// bcrypt hash of the configured password is kept after construction.
type Authenticator struct {
	username     string
	passwordHash []byte
}

func NewAuthenticator(username, password string, cost int) (*Authenticator, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, fmt.Errorf("hash shared password: %w", err)
	}
	return &Authenticator{username: username, passwordHash: hash}, nil
}

func (a *Authenticator) Verify(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) == nil
	return userOK && passOK
}

// PasswordHash is the value stored in users.password_hash for every
// session row.
func (a *Authenticator) PasswordHash() string {
	return string(a.passwordHash)
}

type Service struct {
	repo *Repository
	now  func() time.Time
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// CreateSessionUser inserts a user named after remoteAddr and the current
// time and returns its id.
func (s *Service) CreateSessionUser(ctx context.Context, remoteAddr, passwordHash string) (int64, error) {
	u, err := s.repo.CreateUser(ctx, &User{
		Username:     SessionUsername(remoteAddr, s.now()),
		PasswordHash: passwordHash,
	})
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

// SessionUsername formats "<ip>:<port>@<YYYYmmddHHMMSS.mmm>". The port and
// millisecond suffix keep simultaneous connections from one host apart.
func SessionUsername(remoteAddr string, at time.Time) string {
	host, port, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host, port = remoteAddr, ""
	}
	stamp := at.UTC().Format("20060102150405.000")
	if port == "" {
		return host + "@" + stamp
	}
	return net.JoinHostPort(host, port) + "@" + stamp
}
