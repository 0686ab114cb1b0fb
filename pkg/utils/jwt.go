// Package utils 提供通用工具函数
package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// TokenTypeAccess 计费 API 只接受 access 类型令牌
const TokenTypeAccess = "access"

// clockSkew 容忍签发方与本服务的时钟偏差
const clockSkew = 30 * time.Second

// Claims 令牌声明，AccountID 即计费账户，Subject 与其一致
type Claims struct {
	AccountID string `json:"account_id"`
	Role      string `json:"role"`
	Type      string `json:"type"`
	jwt.RegisteredClaims
}

// JWTManager HS256 令牌签发与校验
type JWTManager struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

func NewJWTManager(secret, issuer string) *JWTManager {
	return &JWTManager{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(clockSkew),
		),
	}
}

// IssueAccessToken 为账户签发 access 令牌
func (m *JWTManager) IssueAccessToken(accountID, role string, ttl time.Duration) (string, error) {
	return m.GenerateToken(accountID, role, TokenTypeAccess, ttl)
}

// GenerateToken 签发指定类型的令牌，ttl 为负时得到已过期令牌
func (m *JWTManager) GenerateToken(accountID, role, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		AccountID: accountID,
		Role:      role,
		Type:      tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ParseToken 校验签名、签发者与有效期，过期返回 ErrExpiredToken，其余失败统一为 ErrInvalidToken
func (m *JWTManager) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := m.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	}
	if claims.AccountID == "" {
		claims.AccountID = claims.Subject
	}
	return claims, nil
}
