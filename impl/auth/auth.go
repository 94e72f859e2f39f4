// Package auth supplies registry credentials from token providers. A provider
// token is fetched the first time credentials are needed and refreshed once it
// is older than the provider expiry. The only provider is ECR.
package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// provider formalizes the supported providers.
type provider int

// tokenGetter returns a token for the provider options
type tokenGetter func(ctx context.Context, options string) (string, error)

// CredentialFunc returns a user name and password
type CredentialFunc func(ctx context.Context) (string, string, error)

// Defined providers
const (
	unknownProvider provider = iota
	ecrProvider
)

// defaultExpiry is the refresh period if none is configured. ECR tokens are
// good for 12 hours.
const defaultExpiry = 12 * time.Hour

// providers converts a string to the typed provider.
var providers = map[string]provider{
	"ecr": ecrProvider,
}

// providerTostr converts typed provider to string.
var providerTostr = map[provider]string{
	ecrProvider: "ecr",
}

// tokenProvider caches the token of one provider and options combination.
type tokenProvider struct {
	// allows concurrent credential requests from cloned registry clients
	sync.RWMutex
	// for error logging.
	providerStr string
	// provider options like region=us-east-1,profile=prod
	providerOpts string
	// the function that gets the token.
	getter tokenGetter
	// the last time the token was retrieved.
	lastTokenGet time.Time
	// token returned by the token getter function.
	token string
	// token refresh period.
	expiry time.Duration
}

var (
	mu sync.Mutex
	// tokenProviders is keyed by provider and options so registries configured
	// with the same provider share one token.
	tokenProviders = make(map[string]*tokenProvider)
)

// Credentials returns a function supplying credentials from the passed
// provider, like "ecr". 'options' are provider specific. 'expiry' is a
// duration like "6h". If empty the default of 12 hours applies.
func Credentials(providerStr, options, expiry string) (CredentialFunc, error) {
	p, err := toProvider(providerStr)
	if err != nil {
		return nil, err
	}
	parsedExpiry := defaultExpiry
	if expiry != "" {
		if parsedExpiry, err = time.ParseDuration(expiry); err != nil {
			return nil, err
		}
	}
	getter, err := getTokenGetter(p)
	if err != nil {
		return nil, err
	}
	key := providerTostr[p] + "|" + options
	mu.Lock()
	defer mu.Unlock()
	tp, ok := tokenProviders[key]
	if !ok {
		tp = &tokenProvider{
			providerStr:  providerTostr[p],
			providerOpts: options,
			getter:       getter,
			expiry:       parsedExpiry,
		}
		tokenProviders[key] = tp
	}
	return tp.credentials, nil
}

// getToken returns the cached token, getting a new one if there isn't one or
// it is older than the expiry.
func (tp *tokenProvider) getToken(ctx context.Context) (string, error) {
	tp.RLock()
	token, fresh := tp.token, time.Since(tp.lastTokenGet) < tp.expiry
	tp.RUnlock()
	if token != "" && fresh {
		return token, nil
	}
	tp.Lock()
	defer tp.Unlock()
	if tp.token != "" && time.Since(tp.lastTokenGet) < tp.expiry {
		return tp.token, nil
	}
	log.Debugf("getting new token for provider %q", tp.providerStr)
	token, err := tp.getter(ctx, tp.providerOpts)
	if err != nil {
		return "", fmt.Errorf("error getting token for provider %q: %w", tp.providerStr, err)
	}
	tp.token = token
	tp.lastTokenGet = time.Now()
	return token, nil
}

// credentials decodes the token into a user name and password
func (tp *tokenProvider) credentials(ctx context.Context) (string, string, error) {
	token, err := tp.getToken(ctx)
	if err != nil {
		return "", "", err
	}
	return decodeToken(token)
}

// decodeToken decodes a base64 'user:password' token
func decodeToken(token string) (string, string, error) {
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("unable to decode token: %w", err)
	}
	user, password, ok := strings.Cut(string(b), ":")
	if !ok {
		return "", "", fmt.Errorf("token is not in user:password form")
	}
	return user, password, nil
}

// toProvider validates the passed provider string (like "ECR") and returns the matching
// provider type values.
func toProvider(providerStr string) (provider, error) {
	p, ok := providers[strings.ToLower(providerStr)]
	if !ok {
		return unknownProvider, fmt.Errorf("unknown provider: %s", providerStr)
	}
	return p, nil
}

// getTokenGetter gets the token retrieval function for the passed provider.
func getTokenGetter(p provider) (tokenGetter, error) {
	switch p {
	case ecrProvider:
		return getECRToken, nil
	}
	// should never happen
	return nil, fmt.Errorf("unknown provider: %d", p)
}
