package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/mri-check/internal/session"
	"github.com/example/mri-check/internal/upload"
)

const (
	// CookieName carries the session token for browsers.
	CookieName = "mri_session"
	// TokenHeader returns a freshly minted token to API clients.
	TokenHeader = "X-Session-Token"

	controllerKey = "sessionController"
	sessionIDKey  = "sessionID"
	issuer        = "mri-check"
)

// Issuer signs and verifies session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(strings.TrimSpace(secret)), ttl: ttl, now: time.Now}
}

// Issue returns a signed token whose subject is sessionID.
func (i *Issuer) Issue(sessionID string) (string, error) {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Parse verifies token and returns its claims.
func (i *Issuer) Parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(i.now))
	if err != nil || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("missing subject")
	}
	return claims, nil
}

// SessionMiddleware binds every request to a session controller.
//
// A valid token for a live session reuses it. A missing token, an invalid cookie, or a token for
// a session that has since expired starts a new session. An invalid bearer token is rejected,
// since an API client that sends one expects to address a specific session.
func SessionMiddleware(iss *Issuer, registry *session.Registry, secureCookie bool, logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("session_middleware")

	return func(c *gin.Context) {
		token, fromHeader, err := extractToken(c)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		if token != "" {
			claims, err := iss.Parse(token)
			if err != nil && fromHeader {
				unauthorized(c, err.Error())
				return
			}
			if err == nil {
				if ctrl, ok := registry.Get(claims.Subject); ok {
					if iss.needsRefresh(claims) {
						issueCookie(c, iss, claims.Subject, secureCookie, logger)
					}
					bind(c, claims.Subject, ctrl)
					c.Next()
					return
				}
			}
		}

		id, ctrl := registry.Create()
		if !issueCookie(c, iss, id, secureCookie, logger) {
			return
		}
		bind(c, id, ctrl)
		c.Next()
	}
}

// Controller returns the controller bound by SessionMiddleware.
func Controller(c *gin.Context) (*upload.Controller, bool) {
	value, ok := c.Get(controllerKey)
	if !ok {
		return nil, false
	}
	ctrl, ok := value.(*upload.Controller)
	return ctrl, ok && ctrl != nil
}

// SessionID returns the session bound by SessionMiddleware.
func SessionID(c *gin.Context) string {
	return c.GetString(sessionIDKey)
}

func (i *Issuer) needsRefresh(claims *jwt.RegisteredClaims) bool {
	if claims.ExpiresAt == nil {
		return true
	}
	return claims.ExpiresAt.Sub(i.now()) < i.ttl/2
}

func bind(c *gin.Context, sessionID string, ctrl *upload.Controller) {
	c.Set(sessionIDKey, sessionID)
	c.Set(controllerKey, ctrl)
}

func issueCookie(c *gin.Context, iss *Issuer, sessionID string, secure bool, logger *zap.Logger) bool {
	token, err := iss.Issue(sessionID)
	if err != nil {
		logger.Error("failed to sign session token", zap.Error(err), zap.String("session_id", sessionID))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to start session"})
		return false
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, token, int(iss.ttl.Seconds()), "/", "", secure, true)
	c.Header(TokenHeader, token)
	return true
}

// extractToken prefers the Authorization header over the cookie.
func extractToken(c *gin.Context) (string, bool, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		token, err := extractBearerToken(header)
		return token, true, err
	}
	if cookie, err := c.Cookie(CookieName); err == nil && cookie != "" {
		return cookie, false, nil
	}
	return "", false, nil
}

func extractBearerToken(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
