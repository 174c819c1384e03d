package auth

import (
	"context"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/spiretalk/spiretalk/config"
	"github.com/spiretalk/spiretalk/globals"
)

// Authenticate verifies a given OIDC ID token against the configured
// provider. It returns the verified participant identity, or an empty string
// if no provider matches - in that case the caller decides whether to fall
// back to the trusted-mode identity supplied by the client. An intentional
// relaxation for non-production setups, not a security feature.
func Authenticate(ctx context.Context, idToken, oidcProvider string, cfg *config.Config) (string, error) {
	if idToken == "" || len(cfg.OIDCConfigs) == 0 {
		return "", nil
	}
	var oidcConf *config.OIDCConfig
	for i := range cfg.OIDCConfigs {
		if cfg.OIDCConfigs[i].Name == oidcProvider {
			oidcConf = &cfg.OIDCConfigs[i]
			break
		}
	}
	if oidcConf == nil {
		globals.AppLogger.Debug("no oidc config found for provider", "provider", oidcProvider)
		return "", nil
	}
	provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
	if err != nil {
		return "", err
	}
	conf := oidc.Config{}
	if oidcConf.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = oidcConf.ClientId
	}
	verifier := provider.Verifier(&conf)
	verifiedIdToken, err := verifier.Verify(ctx, idToken)
	if err != nil {
		globals.AppLogger.Error("could not verify id token", "error", err)
		return "", err
	}

	claims := struct {
		Email string `json:"email"`
	}{}
	if err := verifiedIdToken.Claims(&claims); err != nil {
		return "", err
	}
	return claims.Email, nil
}
