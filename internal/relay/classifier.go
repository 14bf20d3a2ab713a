package relay

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Classifier decides whether a new connection is the privileged source.
// Anything that does not present the exact secret is a listener; callers are
// never rejected here.
type Classifier struct {
	secret string
}

func NewClassifier(secret string) Classifier {
	return Classifier{secret: secret}
}

// Classify inspects an Authorization header value of the form "Bearer <token>".
// The token is the first space-separated field after the scheme; anything
// after it is ignored.
func (c Classifier) Classify(authorization string) Role {
	if c.secret == "" || authorization == "" {
		return RoleListener
	}

	scheme, rest, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return RoleListener
	}
	token, _, _ := strings.Cut(rest, " ")

	if subtle.ConstantTimeCompare([]byte(token), []byte(c.secret)) == 1 {
		return RoleSource
	}
	return RoleListener
}

// ClassifyRequest classifies the handshake request of a WebSocket upgrade.
func (c Classifier) ClassifyRequest(r *http.Request) Role {
	return c.Classify(r.Header.Get("Authorization"))
}
