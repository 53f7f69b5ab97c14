package auth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLaserCore/internal/config"
)

type Permission string

const (
	// PermOperator may send commands and jog.
	PermOperator Permission = "operator"
	// PermTechnician may also connect, reset and acknowledge recovery.
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

var ErrInvalidToken = fmt.Errorf("invalid or expired token")

// AuditLog records token exchanges. storage.PostgresClient implements it.
type AuditLog interface {
	LogAuthEvent(ctx context.Context, eventType, operator, ipAddress string, success bool, reason string) error
}

// Service exchanges operator tokens for short lived JWTs.
type Service struct {
	enabled    bool
	jwtHandler *JWTHandler
	hasher     *TokenHasher
	operators  []config.OperatorConfig
	audit      AuditLog
	logger     *zap.Logger
}

func NewService(cfg config.AuthConfig, logger *zap.Logger) *Service {
	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	logger = logger.Named("auth")
	if cfg.Enabled && !cfg.IsProductionReady() {
		logger.Warn("JWT secret is not production ready", zap.String("env", cfg.JWTSecretEnv))
	}
	return &Service{
		enabled:    cfg.Enabled,
		jwtHandler: NewJWTHandler(cfg.GetJWTSecret(), ttl),
		hasher:     NewTokenHasher(),
		operators:  cfg.Operators,
		logger:     logger,
	}
}

func (s *Service) SetAuditLog(a AuditLog) { s.audit = a }

func (s *Service) logEvent(ctx context.Context, operator, ip string, success bool, reason string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogAuthEvent(ctx, "token_exchange", operator, ip, success, reason); err != nil {
		s.logger.Warn("Failed to write auth event", zap.Error(err))
	}
}

// Enabled reports whether requests need a token. When disabled every
// caller has all permissions.
func (s *Service) Enabled() bool { return s.enabled }

// Exchange verifies an operator token and returns a signed access token.
func (s *Service) Exchange(ctx context.Context, token, ipAddress string) (string, time.Time, error) {
	if !ValidTokenFormat(token) {
		s.logger.Warn("Token exchange failed", zap.String("ip", ipAddress), zap.String("reason", "format"))
		s.logEvent(ctx, "", ipAddress, false, "format")
		return "", time.Time{}, ErrInvalidToken
	}

	for _, op := range s.operators {
		if ctx.Err() != nil {
			return "", time.Time{}, ctx.Err()
		}
		ok, err := s.hasher.Verify(token, op.TokenHash)
		if err != nil {
			s.logger.Error("Unreadable operator token hash", zap.String("operator", op.Name), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		access, expires, err := s.jwtHandler.GenerateAccessToken(op.Name, op.Role)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
		}
		s.logger.Info("Operator authenticated", zap.String("operator", op.Name), zap.String("ip", ipAddress))
		s.logEvent(ctx, op.Name, ipAddress, true, "")
		return access, expires, nil
	}

	s.logger.Warn("Token exchange failed", zap.String("ip", ipAddress), zap.String("reason", "unknown token"))
	s.logEvent(ctx, "", ipAddress, false, "unknown token")
	return "", time.Time{}, ErrInvalidToken
}

// ValidateToken checks an access token and returns the operator's
// permissions.
func (s *Service) ValidateToken(token string) (*JWTClaims, []Permission, error) {
	claims, err := s.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}
	return claims, roleToPermissions(claims.Role), nil
}

// HashToken returns the argon2id hash stored in the configuration.
func (s *Service) HashToken(token string) (string, error) {
	return s.hasher.Hash(token)
}

func roleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}

func allPermissions() []Permission {
	return roleToPermissions("admin")
}
