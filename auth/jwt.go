package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"otsync/common"
)

// Claims is the JWT payload understood by JWTService.
type Claims struct {
	UserID      string   `json:"user_id"`
	Name        string   `json:"name,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// JWTService authenticates HMAC-signed JWTs. Access is granted to any
// authenticated client; editing requires the write (or admin)
// permission.
type JWTService struct {
	secretKey     []byte
	tokenDuration time.Duration
}

// NewJWTService builds a service around a shared HMAC secret.
func NewJWTService(secret string) *JWTService {
	return &JWTService{
		secretKey:     []byte(secret),
		tokenDuration: 24 * time.Hour,
	}
}

// Authenticate parses and verifies the token. An empty token is
// rejected.
func (s *JWTService) Authenticate(_ context.Context, token string, clientID common.ClientID) (*common.ClientInfo, error) {
	if token == "" {
		return nil, common.ErrUnauthorized{Message: "missing token"}
	}

	claims, err := s.parse(token)
	if err != nil {
		return nil, common.ErrUnauthorized{Message: err.Error()}
	}

	return &common.ClientInfo{
		ID:          clientID,
		UserID:      claims.UserID,
		Name:        claims.Name,
		Avatar:      claims.Avatar,
		Permissions: claims.Permissions,
	}, nil
}

// CanAccess grants read access to every authenticated client.
func (s *JWTService) CanAccess(info *common.ClientInfo, _ common.DocumentID) bool {
	return info != nil
}

// CanEdit requires the write permission.
func (s *JWTService) CanEdit(info *common.ClientInfo, _ common.DocumentID) bool {
	return info.HasPermission(PermissionWrite)
}

func (s *JWTService) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secretKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// GenerateToken mints a token for userID with the given permissions.
func (s *JWTService) GenerateToken(userID, name string, permissions []string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:      userID,
		Name:        name,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}
