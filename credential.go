package ddns

import (
	"fmt"
	"net/http"
	"strings"
)

// Credential authenticates requests to the Cloudflare API.
//
// It is either a [TokenCredential] or an [EmailKeyCredential];
// the set is closed, so construct one with [APIToken] or [GlobalAPIKey].
type Credential interface {
	authorize(http.Header)
	validate() error
}

// TokenCredential is a scoped API token sent as a bearer token.
type TokenCredential struct {
	Token string
}

// EmailKeyCredential is the account email plus the global API key.
type EmailKeyCredential struct {
	Email string
	Key   string
}

func APIToken(token string) Credential {
	return TokenCredential{Token: token}
}

func GlobalAPIKey(email, key string) Credential {
	return EmailKeyCredential{Email: email, Key: key}
}

func (c TokenCredential) authorize(h http.Header) {
	h.Set("Authorization", "Bearer "+c.Token)
}

func (c TokenCredential) validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("%w: api token is empty", ErrInvalidCredential)
	}
	return nil
}

// String never includes the token.
func (c TokenCredential) String() string {
	return "api token"
}

func (c EmailKeyCredential) authorize(h http.Header) {
	h.Set("X-Auth-Email", c.Email)
	h.Set("X-Auth-Key", c.Key)
}

func (c EmailKeyCredential) validate() error {
	if strings.TrimSpace(c.Email) == "" || strings.TrimSpace(c.Key) == "" {
		return fmt.Errorf("%w: email and global api key must both be set", ErrInvalidCredential)
	}
	return nil
}

func (c EmailKeyCredential) String() string {
	return fmt.Sprintf("global api key for %s", c.Email)
}

func validateCredential(c Credential) error {
	if c == nil {
		return fmt.Errorf("%w: no credential given", ErrInvalidCredential)
	}
	return c.validate()
}
