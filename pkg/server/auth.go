package server

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tzrikka/cymbal/pkg/websocket"
)

// BearerAuth returns a handshake authorization callback that requires
// an "Authorization: Bearer" header carrying a JWT signed with the
// given HMAC secret. Expiration and not-before claims are enforced
// when present.
func BearerAuth(secret string) func(websocket.Headers) error {
	key := []byte(secret)

	return func(headers websocket.Headers) error {
		value := headers.Get("Authorization")
		if value == "" {
			return errors.New("missing authorization header")
		}

		token, found := strings.CutPrefix(value, "Bearer ")
		if !found {
			return errors.New("authorization header is not a bearer token")
		}

		_, err := jwt.Parse(strings.TrimSpace(token),
			func(t *jwt.Token) (any, error) { return key, nil },
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		)
		return err
	}
}
