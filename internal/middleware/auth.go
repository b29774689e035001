// Package middleware provides HTTP middleware for the wallet service.
package middleware

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/wallet_layer/internal/access"
	"github.com/R3E-Network/wallet_layer/internal/httputil"
	"github.com/R3E-Network/wallet_layer/internal/logging"
	"github.com/R3E-Network/wallet_layer/internal/trust"
)

var (
	ErrMissingToken = errors.New("missing Authorization header")
	ErrTokenFormat  = errors.New("invalid Authorization header format")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the identity claims carried by a bearer token.
type Claims struct {
	UserID      string   `json:"user_id,omitempty"`
	Role        string   `json:"role,omitempty"`
	TrustLevel  string   `json:"trust_level,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	// Resources grants actions per resource id.
	Resources map[string][]string `json:"resources,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the user id, falling back to the subject.
func (c *Claims) Principal() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// AccessContext converts the claims into an authorization context. An empty
// trust level claim is the lowest level. An unrecognized one is kept as is
// and therefore satisfies no trust requirement.
func (c *Claims) AccessContext() access.Context {
	level := trust.Observer
	if c.TrustLevel != "" {
		if l, ok := trust.Parse(c.TrustLevel); ok {
			level = l
		} else {
			level = trust.Level(c.TrustLevel)
		}
	}

	var acl access.ACL
	if len(c.Resources) > 0 {
		acl = make(access.ACL, len(c.Resources))
		for res, actions := range c.Resources {
			for _, a := range actions {
				if act, ok := access.ParseAction(a); ok {
					acl[res] = append(acl[res], act)
				}
			}
		}
	}
	var resolver access.ResourceResolver
	if acl != nil {
		resolver = acl
	}
	return access.NewContext(true, level, c.Permissions, resolver)
}

type accessKey struct{}

// WithAccessContext stores ac on ctx.
func WithAccessContext(ctx context.Context, ac access.Context) context.Context {
	return context.WithValue(ctx, accessKey{}, ac)
}

// AccessContext returns the caller's authorization context, anonymous when
// no token was verified.
func AccessContext(ctx context.Context) access.Context {
	if ac, ok := ctx.Value(accessKey{}).(access.Context); ok {
		return ac
	}
	return access.Anonymous()
}

// AuthMiddleware verifies RS256 bearer tokens.
type AuthMiddleware struct {
	publicKey *rsa.PublicKey
	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates the middleware. Requests to skipPaths pass
// through unauthenticated.
func NewAuthMiddleware(publicKey *rsa.PublicKey, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, path := range skipPaths {
		skip[path] = true
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &AuthMiddleware{
		publicKey: publicKey,
		logger:    logger,
		skipPaths: skip,
	}
}

// LoadPublicKey reads a PEM encoded RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKey(data)
}

// ParsePublicKey accepts PKIX and PKCS#1 PEM blocks.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("public key: no PEM block")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key: not RSA")
		}
		return rsaPub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	return pub, nil
}

// Handler requires a valid token.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return m.handler(next, true)
}

// Optional verifies a token when one is presented and otherwise lets the
// request through as anonymous. A presented but invalid token is rejected.
func (m *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return m.handler(next, false)
}

func (m *AuthMiddleware) handler(next http.Handler, required bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if required {
				m.respondError(w, r, ErrMissingToken)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			m.respondError(w, r, ErrTokenFormat)
			return
		}

		claims, err := m.validateToken(parts[1])
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), claims.Principal())
		if claims.Role != "" {
			ctx = logging.WithRole(ctx, claims.Role)
		}
		ctx = WithAccessContext(ctx, claims.AccessContext())

		m.logger.WithContext(ctx).WithField("trust_level", claims.TrustLevel).Debug("authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Principal() == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := httputil.CodeUnauthenticated
	if errors.Is(err, ErrInvalidToken) {
		code = httputil.CodeInvalidToken
	}
	httputil.WriteError(w, http.StatusUnauthorized, code, err.Error())

	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
	}).Warn("authentication failed")
}

// GetUserID extracts the authenticated principal from ctx.
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}
