package ginserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	"supportchat/internal/domain/participant"
	"supportchat/internal/infra/security"
)

const principalContextKey = "supportchat.principal"

type principal struct {
	ID    string
	Name  string
	Roles []string
}

func (p principal) HasRole(role string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return false
	}
	for _, r := range p.Roles {
		if strings.ToLower(r) == role {
			return true
		}
	}
	return false
}

// IsStaff reports whether the caller works the support queue.
func (p principal) IsStaff() bool {
	return p.HasRole(string(participant.RoleStaff)) || p.HasRole("admin")
}

func (p principal) Role() participant.Role {
	if p.IsStaff() {
		return participant.RoleStaff
	}
	return participant.RoleCustomer
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(raw string) (security.Identity, error)
}

// AuthMiddleware attaches the caller's principal when a valid token is
// presented. Browsers cannot set headers on WebSocket upgrades, so the token
// is also accepted from the access_token query parameter.
type AuthMiddleware struct {
	Verifier TokenVerifier
	Logger   *slog.Logger
}

func (m AuthMiddleware) Handle(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" || m.Verifier == nil {
		c.Next()
		return
	}
	identity, err := m.Verifier.Verify(token)
	if err != nil {
		if !errors.Is(err, security.ErrInvalidToken) && m.Logger != nil {
			m.Logger.Warn("token verification failed", "error", err)
		} else if m.Logger != nil {
			m.Logger.Debug("token rejected", "error", err)
		}
		c.Next()
		return
	}
	setPrincipal(c, principal{ID: identity.ID, Name: identity.Name, Roles: identity.Roles})
	c.Next()
}

func setPrincipal(c *gin.Context, p principal) {
	c.Set(principalContextKey, p)
}

func currentPrincipal(c *gin.Context) (principal, bool) {
	val, exists := c.Get(principalContextKey)
	if !exists {
		return principal{}, false
	}
	p, ok := val.(principal)
	return p, ok
}

func requireRole(c *gin.Context, role string) (principal, bool) {
	p, ok := currentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return principal{}, false
	}
	if role == string(participant.RoleStaff) {
		if !p.IsStaff() {
			c.JSON(http.StatusForbidden, gin.H{"error": "staff only"})
			return principal{}, false
		}
		return p, true
	}
	if role != "" && !p.HasRole(role) {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		return principal{}, false
	}
	return p, true
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	token := strings.TrimSpace(header[7:])
	return token
}
