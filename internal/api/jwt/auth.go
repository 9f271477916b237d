package jwt

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hbomb79/Melody/pkg/logger"
	"github.com/labstack/echo/v4"
)

var (
	ErrAuthTokenMissing        = errors.New("request does not contain an auth token")
	ErrInsufficientPermissions = errors.New("authenticated user does not have a permitted role")
	ErrNoAuthenticatedUser     = errors.New("no user found in request context")

	log = logger.Get("JWT-Auth")
)

const (
	AuthTokenCookieName = "token"
	RoleAdmin           = "admin"
	RoleUser            = "user"

	userContextKey = "user"
)

type (
	AuthenticatedUser struct {
		Subject string
		Role    string
	}

	authTokenClaims struct {
		jwt.RegisteredClaims
		Role string `json:"role"`
	}

	jwtAuthProvider struct {
		secret []byte
	}
)

// NewJwtAuth creates an authentication provider which validates HS256
// signed tokens using the secret provided. The secret should be at
// least 256 bits in size.
func NewJwtAuth(secret []byte) *jwtAuthProvider {
	return &jwtAuthProvider{secret: secret}
}

// GenerateToken signs a token for the subject and role provided which
// expires after the lifespan given.
func (auth *jwtAuthProvider) GenerateToken(subject string, role string, lifespan time.Duration) (string, error) {
	claims := &authTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(lifespan)),
		},
		Role: role,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(auth.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign auth token: %w", err)
	}

	return token, nil
}

// RequireRole returns a middleware which rejects any request that does not
// carry a valid token. If roles are provided, the token's role must also be
// one of them. The token is read from the auth cookie, or failing that from
// a Bearer Authorization header.
//
// The user described by the token is stored in the request context, see
// GetAuthenticatedUser.
func (auth *jwtAuthProvider) RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			user, err := auth.authenticate(ec.Request())
			if err != nil {
				log.Debugf("Rejecting request to %s: %v\n", ec.Request().RequestURI, err)
				return echo.NewHTTPError(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized)).SetInternal(err)
			}

			if len(roles) > 0 && !slices.Contains(roles, user.Role) {
				log.Warnf("User %s (role %s) failed permissions check while accessing %s\n", user.Subject, user.Role, ec.Request().RequestURI)
				return echo.NewHTTPError(http.StatusForbidden, http.StatusText(http.StatusForbidden)).SetInternal(ErrInsufficientPermissions)
			}

			ec.Set(userContextKey, user)
			return next(ec)
		}
	}
}

// GetAuthenticatedUser provides a way for endpoints to extract the user
// from the context of their request. An error will be returned if no
// valid user can be found.
func GetAuthenticatedUser(ec echo.Context) (*AuthenticatedUser, error) {
	u, ok := ec.Get(userContextKey).(*AuthenticatedUser)
	if !ok {
		return nil, ErrNoAuthenticatedUser
	}

	return u, nil
}

func (auth *jwtAuthProvider) authenticate(request *http.Request) (*AuthenticatedUser, error) {
	token := tokenFromRequest(request)
	if token == "" {
		return nil, ErrAuthTokenMissing
	}

	claims, err := auth.validateJWT(token)
	if err != nil {
		return nil, err
	}

	return &AuthenticatedUser{Subject: claims.Subject, Role: claims.Role}, nil
}

func tokenFromRequest(request *http.Request) string {
	if cookie, err := request.Cookie(AuthTokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	header := request.Header.Get(echo.HeaderAuthorization)
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}

	return ""
}

// validateJWT ensures that the provided token is:
//   - signed using the secret and algorithm we expect
//   - not expired (and has an expiry)
//   - contains a subject
func (auth *jwtAuthProvider) validateJWT(token string) (*authTokenClaims, error) {
	claims := &authTokenClaims{}
	tkn, err := jwt.ParseWithClaims(
		token,
		claims,
		func(*jwt.Token) (any, error) { return auth.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	if tkn == nil || !tkn.Valid {
		return nil, errors.New("failed to verify JWT: token is expired or invalid")
	}

	if claims.Subject == "" {
		return nil, errors.New("failed to verify JWT: subject claim missing")
	}

	return claims, nil
}
