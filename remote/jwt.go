package remote

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of the bearer token a client presents to the ui server
type ClientJwt struct {
	UserId          string
	ClientSessionId string
	ExpiresAt       time.Time
}

// the server verifies the token. The client only reads the claims it needs
// to resume a client session.
func ParseClientJwtUnverified(jwt string) (*ClientJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("Unexpected claims type %T", token.Claims)
	}

	clientJwt := &ClientJwt{}

	if userId, ok := claims["user_id"].(string); ok {
		clientJwt.UserId = userId
	}
	if clientSessionId, ok := claims["client_session_id"].(string); ok {
		clientJwt.ClientSessionId = clientSessionId
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		clientJwt.ExpiresAt = expiresAt.Time
	}

	return clientJwt, nil
}

type ClientAuth struct {
	// optional bearer token
	ByJwt      string
	AppVersion string
}

// the client session id carried by the token, if any
func (self *ClientAuth) ClientSessionId() (string, error) {
	if self == nil || self.ByJwt == "" {
		return "", nil
	}
	clientJwt, err := ParseClientJwtUnverified(self.ByJwt)
	if err != nil {
		return "", err
	}
	return clientJwt.ClientSessionId, nil
}
