package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// User represents an authenticated user
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// ExtractToken extracts the JWT token from an Authorization header value.
// Supports "Bearer <token>" format.
func ExtractToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("empty authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty token")
	}

	return token, nil
}

// SupabaseJWTAuth verifies Supabase-issued access tokens locally, without
// a network round trip. Supabase signs access tokens with the project's
// shared JWT secret (HS256); issuer is <project-url>/auth/v1 and audience
// is "authenticated".
type SupabaseJWTAuth struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewSupabaseJWTAuth creates a verifier for the given project.
// supabaseURL is the project base URL (https://<ref>.supabase.co).
func NewSupabaseJWTAuth(secret, supabaseURL, audience string, leeway time.Duration) (*SupabaseJWTAuth, error) {
	if secret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	if audience == "" {
		audience = "authenticated"
	}

	issuer := ""
	if supabaseURL != "" {
		issuer = strings.TrimRight(supabaseURL, "/") + "/auth/v1"
	}

	return &SupabaseJWTAuth{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
	}, nil
}

// Claims represents the Supabase access token claims we care about.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// VerifyAccessToken verifies the token signature, expiry, audience and
// issuer, and returns the authenticated user.
func (a *SupabaseJWTAuth) VerifyAccessToken(tokenString string) (*User, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithAudience(a.audience),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	if claims.Subject == "" {
		return nil, errors.New("token missing subject claim")
	}

	role := claims.Role
	if role == "" {
		role = "user"
	}

	return &User{
		ID:    claims.Subject,
		Email: claims.Email,
		Role:  role,
	}, nil
}
