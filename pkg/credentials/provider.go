package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrInteractionRequired is returned by Provider.Token when no
// non-interactive refresh is possible. The cataloger surfaces this as an
// auth-pending connect error instead of failing the connect outright.
var ErrInteractionRequired = errors.New("credential requires interactive authorization")

// Provider supplies a bearer token for an HTTP-stream upstream without user
// interaction, or reports that interaction is required.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// EnvProvider reads a bearer token from an environment variable.
type EnvProvider struct {
	EnvVar string
}

// Token implements Provider.
func (p EnvProvider) Token(context.Context) (string, error) {
	v := os.Getenv(p.EnvVar)
	if v == "" {
		return "", fmt.Errorf("env var %q: %w", p.EnvVar, ErrInteractionRequired)
	}
	return v, nil
}

// FileProvider reads a bearer token from a mounted secret file (via Get) and
// refuses to serve it once its JWT expiry (if it is a JWT) has passed,
// since no non-interactive refresh path exists in the core.
type FileProvider struct {
	SecretFile string
}

// Token implements Provider.
func (p FileProvider) Token(context.Context) (string, error) {
	tok, err := Get(p.SecretFile)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInteractionRequired, err)
	}
	expired, err := IsExpiredJWT(tok)
	if err == nil && expired {
		return "", fmt.Errorf("stored credential %q expired: %w", p.SecretFile, ErrInteractionRequired)
	}
	return tok, nil
}

// AttachHeader applies the provider's token as a bearer Authorization header
// on the given header map, returning it for convenient chaining.
func AttachHeader(ctx context.Context, p Provider, headers map[string]string) (map[string]string, error) {
	if p == nil {
		return headers, nil
	}
	tok, err := p.Token(ctx)
	if err != nil {
		return headers, err
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Authorization"] = tok
	return headers, nil
}
