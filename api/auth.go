package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"prism-board/domain"
)

const (
	defaultTokenTTL      = 7 * 24 * time.Hour
	defaultJWKSCacheTTL  = 15 * time.Minute
	defaultLookupTimeout = 3 * time.Second
	clockSkew            = time.Minute
)

// AccountLookup resolves token subjects to accounts.
type AccountLookup interface {
	AccountByID(ctx context.Context, id string) (domain.Account, error)
}

// AuthOptions configures Auth. Secret is required; JWKS is optional and
// enables RS256 tokens from an external identity provider.
type AuthOptions struct {
	Secret        []byte
	ExpiresIn     time.Duration
	Issuer        string
	Audience      string
	JWKS          *keyfunc.JWKS
	KeyCacheTTL   time.Duration
	LookupTimeout time.Duration
}

// Auth issues and validates session tokens.
type Auth struct {
	accounts AccountLookup
	opts     AuthOptions
	parser   *jwt.Parser
	now      func() time.Time

	keyCache sync.Map
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance.
func NewAuth(accounts AccountLookup, opts AuthOptions) *Auth {
	if opts.ExpiresIn <= 0 {
		opts.ExpiresIn = defaultTokenTTL
	}
	if opts.KeyCacheTTL == 0 {
		opts.KeyCacheTTL = defaultJWKSCacheTTL
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}
	methods := []string{"HS256"}
	if opts.JWKS != nil {
		methods = append(methods, "RS256")
	}
	return &Auth{
		accounts: accounts,
		opts:     opts,
		parser:   jwt.NewParser(jwt.WithValidMethods(methods)),
		now:      time.Now,
	}
}

// Issue signs a session token for the account.
func (a *Auth) Issue(accountID string) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(a.opts.ExpiresIn)
	claims := jwt.MapClaims{
		"sub": accountID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	if a.opts.Issuer != "" {
		claims["iss"] = a.opts.Issuer
	}
	if a.opts.Audience != "" {
		claims["aud"] = a.opts.Audience
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// AccountIDFromRequest extracts and verifies the bearer token of a request.
func (a *Auth) AccountIDFromRequest(ctx context.Context, h http.Header) (string, error) {
	token, err := bearerTokenFromHeader(h)
	if err != nil {
		return "", err
	}
	return a.Verify(ctx, token)
}

// Verify validates token and returns the id of an existing account.
func (a *Auth) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errMissingAuthorization
	}
	sub, err := a.subject(token)
	if err != nil {
		return "", err
	}

	lookupCtx, cancel := context.WithTimeout(ctx, a.opts.LookupTimeout)
	defer cancel()
	acct, err := a.accounts.AccountByID(lookupCtx, sub)
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		return "", domain.NewAuthError(domain.AuthUnknown, "account not found", err)
	case err != nil:
		return "", domain.NewAuthError(domain.AuthUnavailable, "Authentication unavailable", err)
	}
	return acct.ID, nil
}

func (a *Auth) subject(token string) (string, error) {
	parsed, err := a.parser.Parse(token, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return a.opts.Secret, nil
		case *jwt.SigningMethodRSA:
			return a.keyForToken(t)
		}
		return nil, errors.New("invalid signing method")
	})
	if err != nil {
		return "", classifyTokenError(err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", invalidToken(errors.New("invalid claims"))
	}
	now := a.now()
	if !claims.VerifyExpiresAt(now.Add(-clockSkew).Unix(), true) {
		return "", domain.NewAuthError(domain.AuthExpired, "Not authorized, token expired", nil)
	}
	if !claims.VerifyNotBefore(now.Add(clockSkew).Unix(), false) {
		return "", invalidToken(errors.New("token not valid yet"))
	}
	if a.opts.Audience != "" && !claims.VerifyAudience(a.opts.Audience, true) {
		return "", invalidToken(errors.New("invalid audience"))
	}
	if a.opts.Issuer != "" && !claims.VerifyIssuer(a.opts.Issuer, true) {
		return "", invalidToken(errors.New("invalid issuer"))
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", invalidToken(errors.New("missing sub"))
	}
	return sub, nil
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.NewAuthError(domain.AuthExpired, "Not authorized, token expired", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return domain.NewAuthError(domain.AuthMalformed, "Not authorized, invalid token", err)
	}
	return invalidToken(err)
}

func invalidToken(err error) error {
	return domain.NewAuthError(domain.AuthInvalid, "Not authorized, invalid token", err)
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.opts.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	ttl := a.opts.KeyCacheTTL
	if kid != "" && ttl > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if a.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.opts.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && ttl > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: a.now().Add(ttl)})
	}
	return key, nil
}
