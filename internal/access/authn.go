package access

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

const (
	serviceTokenTTL = 5 * time.Minute
	tokenIssuer     = "coreplane"

	// SessionCookie carries the opaque session token.
	SessionCookie = "coreplane_session"
)

// serviceClaims is the payload of plugin-to-plugin service tokens.
type serviceClaims struct {
	jwt.RegisteredClaims
	Service string `json:"service"`
}

// Authenticator resolves the caller identity on each request. The three
// credential kinds are tried in a fixed order: service token,
// application token, session. No credential means anonymous (nil user).
type Authenticator struct {
	store  *Store
	key    *rsa.PrivateKey
	keyID  string
	logger *zap.Logger

	mu         sync.RWMutex
	strategies []plugin.AuthenticationStrategy
}

// NewAuthenticator creates the authenticator. A nil key generates an
// ephemeral keypair, which is fine for single-instance deployments;
// clustered deployments must share a configured key so every instance
// can verify every other's service tokens.
func NewAuthenticator(store *Store, key *rsa.PrivateKey, logger *zap.Logger) (*Authenticator, error) {
	if key == nil {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}
	sum := sha256.Sum256(key.PublicKey.N.Bytes())
	a := &Authenticator{
		store:  store,
		key:    key,
		keyID:  base64.RawURLEncoding.EncodeToString(sum[:8]),
		logger: logger,
	}
	a.strategies = []plugin.AuthenticationStrategy{&sessionStrategy{store: store}}
	return a, nil
}

// RegisterStrategy appends a session strategy (e.g. a social login
// provider). Strategies run in registration order after the built-in
// session-cookie strategy.
func (a *Authenticator) RegisterStrategy(s plugin.AuthenticationStrategy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.strategies = append(a.strategies, s)
}

// IssueServiceToken mints a 5-minute RS256 token naming the calling
// plugin. Implements registry.TokenIssuer.
func (a *Authenticator) IssueServiceToken(_ context.Context, pluginID string) (string, error) {
	now := time.Now()
	claims := serviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   pluginID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(serviceTokenTTL)),
		},
		Service: pluginID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = a.keyID
	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}

// VerifyServiceToken validates a service token and returns the service
// identity. Service callers are platform code and hold the wildcard.
func (a *Authenticator) VerifyServiceToken(tokenString string) (*plugin.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &serviceClaims{}, func(_ *jwt.Token) (any, error) {
		return &a.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*serviceClaims)
	if !ok || claims.Service == "" {
		return nil, ErrInvalidToken
	}
	return &plugin.User{
		Type:        plugin.UserTypeService,
		ID:          "service:" + claims.Service,
		Name:        claims.Service,
		PluginID:    claims.Service,
		AccessRules: []string{plugin.WildcardRule},
	}, nil
}

// JWKS returns the JSON Web Key Set for the service-token public key.
func (a *Authenticator) JWKS() ([]byte, error) {
	e := make([]byte, 8)
	binary.BigEndian.PutUint64(e, uint64(a.key.PublicKey.E))
	doc := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": a.keyID,
			"n":   base64.RawURLEncoding.EncodeToString(a.key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(trimLeadingZeros(e)),
		}},
	}
	return json.Marshal(doc)
}

func trimLeadingZeros(b []byte) []byte {
	return new(big.Int).SetBytes(b).Bytes()
}

// Authenticate resolves the request's caller. Returning (nil, nil)
// means anonymous; a present but invalid credential is an error.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*plugin.User, error) {
	if bearer, ok := bearerToken(r); ok {
		if strings.HasPrefix(bearer, tokenPrefix) {
			user, err := a.store.VerifyApplicationToken(ctx, bearer)
			if err != nil {
				if errors.Is(err, ErrInvalidToken) {
					return nil, fmt.Errorf("%w: %v", plugin.ErrUnauthorized, err)
				}
				return nil, err
			}
			return user, nil
		}
		user, err := a.VerifyServiceToken(bearer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", plugin.ErrUnauthorized, err)
		}
		return user, nil
	}

	a.mu.RLock()
	strategies := append([]plugin.AuthenticationStrategy(nil), a.strategies...)
	a.mu.RUnlock()

	for _, strategy := range strategies {
		su, err := strategy.Authenticate(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", plugin.ErrUnauthorized, err)
		}
		if su == nil {
			continue
		}
		user, err := a.store.ResolveUser(ctx, su)
		if err != nil {
			return nil, err
		}
		return user, nil
	}
	return nil, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}

// CreateSession opens a session for a user and returns the opaque token.
func (s *Store) CreateSession(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	_, err := s.pool.Exec(ctx,
		"INSERT INTO session (id, token, user_id, expires_at) VALUES ($1, $2, $3, $4)",
		uuid.NewString(), token, userID, time.Now().Add(ttl),
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

// DeleteSession invalidates one session token. Idempotent.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM session WHERE token = $1", token)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// sessionStrategy resolves the built-in session cookie against the
// session table.
type sessionStrategy struct {
	store *Store
}

var _ plugin.AuthenticationStrategy = (*sessionStrategy)(nil)

func (s *sessionStrategy) Authenticate(ctx context.Context, r *http.Request) (*plugin.SessionUser, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}

	var su plugin.SessionUser
	var expiresAt time.Time
	err = s.store.pool.QueryRow(ctx, `
		SELECT u.id, u.email, u.name, u.email_verified, s.expires_at
		FROM session s JOIN "user" u ON u.id = s.user_id
		WHERE s.token = $1`,
		cookie.Value,
	).Scan(&su.ID, &su.Email, &su.Name, &su.EmailVerified, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if time.Now().After(expiresAt) {
		return nil, nil
	}
	return &su, nil
}
