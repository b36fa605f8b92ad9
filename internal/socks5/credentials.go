package socks5

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Credentials is the single username/password pair accepted by the server.
// Password is either plain text or a bcrypt hash.
type Credentials struct {
	Username string
	Password string
}

func (c *Credentials) hashed() bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(c.Password, prefix) {
			return true
		}
	}
	return false
}

// Verify reports whether the offered pair matches.
func (c *Credentials) Verify(username, password []byte) bool {
	userOK := subtle.ConstantTimeCompare([]byte(c.Username), username) == 1
	var passOK bool
	if c.hashed() {
		passOK = bcrypt.CompareHashAndPassword([]byte(c.Password), password) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(c.Password), password) == 1
	}
	return userOK && passOK
}
