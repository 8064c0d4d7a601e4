package server

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/clientportal/internal/authorization"
	obscontext "github.com/smallbiznis/clientportal/internal/observability/context"
	"github.com/smallbiznis/clientportal/internal/principal"
	"go.uber.org/zap"
)

// identityClaims is the bearer token issued by the identity provider. The
// subject carries the user id.
type identityClaims struct {
	WorkspaceID string `json:"workspace_id"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

var errInvalidIdentity = errors.New("invalid_identity")

// RequireIdentity resolves the caller from the Authorization header and stores
// it on the request context.
func (s *Server) RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			AbortWithError(c, authorization.ErrUnauthenticated)
			return
		}

		user, err := s.parseIdentity(raw)
		if err != nil {
			s.log.Debug("rejected bearer token", zap.Error(err))
			AbortWithError(c, authorization.ErrUnauthenticated)
			return
		}

		ctx := principal.WithContext(c.Request.Context(), user)
		ctx = obscontext.WithWorkspaceID(ctx, user.Workspace.String())
		ctx = obscontext.WithActor(ctx, string(user.Kind()), user.ActorID())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) parseIdentity(raw string) (principal.User, error) {
	if len(s.jwtSecret) == 0 {
		return principal.User{}, errors.New("jwt secret not configured")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.jwtIssuer != "" {
		opts = append(opts, jwt.WithIssuer(s.jwtIssuer))
	}

	var claims identityClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, opts...)
	if err != nil {
		return principal.User{}, err
	}
	if !token.Valid {
		return principal.User{}, errInvalidIdentity
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(claims.Subject))
	if err != nil || userID == 0 {
		return principal.User{}, errInvalidIdentity
	}
	workspaceID, err := snowflake.ParseString(strings.TrimSpace(claims.WorkspaceID))
	if err != nil || workspaceID == 0 {
		return principal.User{}, errInvalidIdentity
	}
	role, ok := principal.ParseRole(claims.Role)
	if !ok {
		return principal.User{}, errInvalidIdentity
	}
	return principal.User{ID: userID, Workspace: workspaceID, Role: role}, nil
}

func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// currentPrincipal returns the caller stored by RequireIdentity.
func currentPrincipal(c *gin.Context) (principal.Principal, error) {
	p, ok := principal.FromContext(c.Request.Context())
	if !ok || p == nil {
		return nil, authorization.ErrUnauthenticated
	}
	return p, nil
}
