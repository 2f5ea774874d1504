// Package secrets resolves credential references stored on conversation
// records into secret material. References never carry the secret itself;
// they name an entry in the deployment's secret source.
package secrets

import (
	"os"
	"strings"

	"github.com/pkg/errors" // v0.9.1
)

// ErrCredentialNotFound indicates a credential reference resolved to nothing
var ErrCredentialNotFound = errors.New("credential not found")

// ChannelCredentials is the provider credential pair for outbound sends and
// webhook signature verification.
type ChannelCredentials struct {
	AccountSID string
	AuthToken  string
}

// Resolver maps credential references to secret material
type Resolver interface {
	// ChannelCredentials resolves a channel-provider credential reference
	ChannelCredentials(ref string) (*ChannelCredentials, error)

	// AIAPIKey resolves an AI-provider credential reference
	AIAPIKey(ref string) (string, error)
}

// EnvResolver resolves credential references from environment variables.
// A reference "acme-main" maps to ACME_MAIN_ACCOUNT_SID / ACME_MAIN_AUTH_TOKEN
// for channel credentials and ACME_MAIN_API_KEY for AI credentials.
type EnvResolver struct{}

// NewEnvResolver creates an environment-backed resolver
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

// ChannelCredentials resolves the account SID and auth token for a reference
func (r *EnvResolver) ChannelCredentials(ref string) (*ChannelCredentials, error) {
	if ref == "" {
		return nil, errors.Wrap(ErrCredentialNotFound, "empty channel credential reference")
	}

	prefix := envName(ref)
	sid := os.Getenv(prefix + "_ACCOUNT_SID")
	token := os.Getenv(prefix + "_AUTH_TOKEN")
	if sid == "" || token == "" {
		return nil, errors.Wrapf(ErrCredentialNotFound, "channel credential %q", ref)
	}

	return &ChannelCredentials{AccountSID: sid, AuthToken: token}, nil
}

// AIAPIKey resolves the AI provider API key for a reference
func (r *EnvResolver) AIAPIKey(ref string) (string, error) {
	if ref == "" {
		return "", errors.Wrap(ErrCredentialNotFound, "empty AI credential reference")
	}

	key := os.Getenv(envName(ref) + "_API_KEY")
	if key == "" {
		return "", errors.Wrapf(ErrCredentialNotFound, "AI credential %q", ref)
	}
	return key, nil
}

// envName converts a credential reference into an environment variable stem
func envName(ref string) string {
	upper := strings.ToUpper(ref)
	upper = strings.ReplaceAll(upper, "-", "_")
	return strings.ReplaceAll(upper, ".", "_")
}
