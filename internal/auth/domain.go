// Package auth verifies bearer identity tokens issued by the external sign-in provider.
package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/penbosso/IntLearn-sub000/internal/shared"
)

// Claims carries the identity fields the provider signs.
type Claims struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts verified claims into the request identity.
func (c *Claims) Identity() shared.Identity {
	return shared.Identity{UID: c.Subject, Name: c.Name, Email: c.Email, PhotoURL: c.Picture}
}
