package gateway

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/argon2"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
	"github.com/re-minder/PRSummarizer.ai/internal/infra/config"
)

// argon2id parameters for privacy-key digests. Changing these invalidates
// every stored digest.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// Authenticator verifies application credentials against configured
// argon2id digests.
type Authenticator struct {
	apps map[string]config.ApplicationConfig
}

// NewAuthenticator indexes the configured applications by id.
func NewAuthenticator(apps []config.ApplicationConfig) *Authenticator {
	m := make(map[string]config.ApplicationConfig, len(apps))
	for _, app := range apps {
		m[app.ID] = app
	}
	return &Authenticator{apps: m}
}

// Verify checks an application id / privacy key pair. Comparison is
// constant-time to prevent timing attacks.
func (a *Authenticator) Verify(applicationID, privacyKey string) error {
	app, ok := a.apps[applicationID]
	if !ok {
		// Burn a derivation anyway so unknown ids cost the same as bad keys.
		DigestKey(privacyKey, make([]byte, 16))
		return domain.NewDomainError("Authenticator.Verify", domain.ErrAuthInvalid, applicationID)
	}

	salt, err := hex.DecodeString(app.Salt)
	if err != nil {
		return domain.NewDomainError("Authenticator.Verify", domain.ErrAuthInvalid, "malformed salt")
	}
	want, err := hex.DecodeString(app.PrivacyKeyDigest)
	if err != nil {
		return domain.NewDomainError("Authenticator.Verify", domain.ErrAuthInvalid, "malformed digest")
	}

	got := argon2.IDKey([]byte(privacyKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return domain.NewDomainError("Authenticator.Verify", domain.ErrAuthInvalid, applicationID)
	}
	return nil
}

// DigestKey derives the hex argon2id digest of a privacy key under salt.
// Used when provisioning application credentials.
func DigestKey(privacyKey string, salt []byte) string {
	return hex.EncodeToString(
		argon2.IDKey([]byte(privacyKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen))
}
