package socks5

import (
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// Method negotiation codes the client offers in its Greeting, RFC 1928 §3.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodGSSAPI       = 0x01
	AuthMethodUserPass     = 0x02
	AuthMethodNoAcceptable = 0xFF
)

// Status byte returned by the RFC 1929 username/password sub-negotiation.
const (
	AuthStatusSuccess = 0x00
	AuthStatusFailure = 0x01
)

// Authenticator runs one SOCKS5 method's sub-negotiation over the freshly
// accepted connection and, on success, returns the identity it established.
type Authenticator interface {
	Authenticate(reader io.Reader, writer io.Writer) (string, error)
	// GetMethod reports the RFC 1928 method code this authenticator answers
	// for, so the server can match it against the client's offered list.
	GetMethod() byte
}

// NoAuthAuthenticator implements AuthMethodNoAuth: the client is admitted
// without a sub-negotiation step, per RFC 1928 §3.
type NoAuthAuthenticator struct{}

func (a *NoAuthAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	return "", nil
}

func (a *NoAuthAuthenticator) GetMethod() byte {
	return AuthMethodNoAuth
}

// CredentialStore validates a username/password pair offered during the
// RFC 1929 sub-negotiation.
type CredentialStore interface {
	Valid(username, password string) bool
}

// HashedCredentials maps a username to its bcrypt password hash; the
// credential store the ingress's local operator-facing SOCKS5 listener
// should use whenever it terminates its own username/password gate (the
// upstream TUIC session itself authenticates with the token scheme in
// internal/transport/auth_token.go, not with these credentials).
type HashedCredentials map[string]string

// bcryptDummyHash is compared against whenever the username isn't present,
// so a lookup miss costs the same bcrypt work as a real comparison and
// doesn't leak which usernames are registered through response timing.
var bcryptDummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

func (h HashedCredentials) Valid(username, password string) bool {
	storedHash, ok := h[username]
	if !ok {
		bcrypt.CompareHashAndPassword([]byte(bcryptDummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// StaticCredentials maps a username to its plaintext password.
//
// Deprecated: prefer HashedCredentials; this store exists for operators
// migrating an existing plaintext user table.
type StaticCredentials map[string]string

func (s StaticCredentials) Valid(username, password string) bool {
	storedPass, ok := s[username]
	if !ok {
		// Burn the same constant-time comparison cost on a miss as on a hit.
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedPass), []byte(password)) == 1
}

// HashPassword bcrypt-hashes password for storage in a HashedCredentials table.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// MustHashPassword hashes password or panics; for config-loading and test
// fixtures where a bad hash should fail fast rather than propagate.
func MustHashPassword(password string) string {
	hash, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	return hash
}

// UserPassAuthenticator implements AuthMethodUserPass against a
// CredentialStore, per RFC 1929.
type UserPassAuthenticator struct {
	Credentials CredentialStore
}

func NewUserPassAuthenticator(creds CredentialStore) *UserPassAuthenticator {
	return &UserPassAuthenticator{Credentials: creds}
}

func (a *UserPassAuthenticator) GetMethod() byte {
	return AuthMethodUserPass
}

// Authenticate reads the RFC 1929 sub-negotiation request:
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
//
// and replies:
//
//	+----+--------+
//	|VER | STATUS |
//	+----+--------+
//	| 1  |   1    |
//	+----+--------+
func (a *UserPassAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	verAndULen := make([]byte, 2)
	if _, err := io.ReadFull(reader, verAndULen); err != nil {
		return "", err
	}
	if verAndULen[0] != 0x01 {
		return "", errors.New("unsupported auth version")
	}

	uLen := int(verAndULen[1])
	if uLen == 0 {
		return "", errors.New("username is empty")
	}
	username := make([]byte, uLen)
	if _, err := io.ReadFull(reader, username); err != nil {
		return "", err
	}

	pLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(reader, pLenBuf); err != nil {
		return "", err
	}
	pLen := int(pLenBuf[0])
	password := make([]byte, pLen)
	if pLen > 0 {
		if _, err := io.ReadFull(reader, password); err != nil {
			return "", err
		}
	}

	if !a.Credentials.Valid(string(username), string(password)) {
		writer.Write([]byte{0x01, AuthStatusFailure})
		return "", errors.New("authentication failed")
	}

	if _, err := writer.Write([]byte{0x01, AuthStatusSuccess}); err != nil {
		return "", err
	}
	return string(username), nil
}

// AuthConfig selects which authenticators the SOCKS5 acceptor offers.
type AuthConfig struct {
	Enabled  bool
	Required bool
	// Users maps username to plaintext password.
	//
	// Deprecated: prefer HashedUsers.
	Users map[string]string
	// HashedUsers maps username to a bcrypt password hash; takes precedence
	// over Users when both are set.
	HashedUsers map[string]string
}

// CreateAuthenticators builds the acceptor's authenticator list from cfg, in
// the preference order the handshake should try them: username/password
// first (when Enabled), falling back to no-auth unless Required forbids it.
func CreateAuthenticators(cfg AuthConfig) []Authenticator {
	var auths []Authenticator

	if cfg.Enabled {
		switch {
		case len(cfg.HashedUsers) > 0:
			auths = append(auths, NewUserPassAuthenticator(HashedCredentials(cfg.HashedUsers)))
		case len(cfg.Users) > 0:
			auths = append(auths, NewUserPassAuthenticator(StaticCredentials(cfg.Users)))
		}
	}

	if !cfg.Required {
		auths = append(auths, &NoAuthAuthenticator{})
	}

	return auths
}
