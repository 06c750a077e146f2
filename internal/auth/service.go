// Package auth authenticates operators configured in auth.users and maps their roles
// to permissions for the REST API and the live hub.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/config"
	"go.uber.org/zap"
)

type Permission string

const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Session is the result of a successful login.
type Session struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Username    string       `json:"username"`
	Role        string       `json:"role"`
	Permissions []Permission `json:"permissions"`
}

type AuthService struct {
	users          map[string]config.UserConfig
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	logger         *zap.Logger
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	users := make(map[string]config.UserConfig, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u
	}

	if !cfg.IsProductionReady() {
		logger.Warn("JWT secret not configured, using development fallback",
			zap.String("env", cfg.JWTSecretEnv))
	}

	return &AuthService{
		users:          users,
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		logger:         logger,
	}
}

// Login verifies the credentials of a configured operator and issues an access token.
func (a *AuthService) Login(username, password string) (*Session, error) {
	user, ok := a.users[username]
	if !ok {
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("reason", "unknown user"))
		return nil, ErrInvalidCredentials
	}

	valid, err := a.passwordHasher.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		a.logger.Error("Configured password hash is unusable",
			zap.String("username", username),
			zap.Error(err))
		return nil, ErrInvalidCredentials
	}
	if !valid {
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("reason", "invalid password"))
		return nil, ErrInvalidCredentials
	}

	token, expiresAt, err := a.jwtHandler.GenerateAccessToken(user.Username, user.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logger.Info("Login", zap.String("username", username), zap.String("role", user.Role))
	return &Session{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		Username:    user.Username,
		Role:        user.Role,
		Permissions: RoleToPermissions(user.Role),
	}, nil
}

// ValidateToken returns the claims and permissions of a valid access token.
func (a *AuthService) ValidateToken(token string) (*JWTClaims, []Permission, error) {
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	return claims, RoleToPermissions(claims.Role), nil
}

// HashPassword produces an encoded Argon2id hash for auth.users.
func HashPassword(password string) (string, error) {
	return NewPasswordHasher().HashPassword(password)
}

func RoleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}

func HasPermission(perms []Permission, required Permission) bool {
	for _, p := range perms {
		if p == required {
			return true
		}
	}
	return false
}
