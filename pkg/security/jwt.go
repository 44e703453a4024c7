package security

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenInvalid 凭证无效
	ErrTokenInvalid = errors.New("security: token is invalid")

	// ErrTokenExpired 凭证已过期
	ErrTokenExpired = errors.New("security: token is expired")

	// ErrMissingSecret 未配置签名密钥
	ErrMissingSecret = errors.New("security: secret_key is required")
)

// JWTConfig JWT 配置
type JWTConfig struct {
	// 签名密钥（HS256）
	SecretKey string `mapstructure:"secret_key"`

	// Token 过期时间（默认 24 小时）
	ExpiresIn time.Duration `mapstructure:"expires_in"`

	// 签发者
	Issuer string `mapstructure:"issuer"`

	// Token 前缀（默认 "Bearer "）
	TokenPrefix string `mapstructure:"token_prefix"`
}

// Claims 凭证载荷：身份标识 + 角色集合
type Claims struct {
	jwt.RegisteredClaims

	// Identity 身份标识（用户名或主体 ID）
	Identity string `json:"identity"`

	// Roles 角色集合
	Roles []string `json:"roles,omitempty"`
}

// HasRole 检查是否持有指定角色
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// JWTManager 凭证签发与校验
type JWTManager struct {
	cfg *JWTConfig
}

// NewJWTManager 创建 JWT 管理器
func NewJWTManager(cfg *JWTConfig) (*JWTManager, error) {
	if cfg == nil || cfg.SecretKey == "" {
		return nil, ErrMissingSecret
	}
	if cfg.ExpiresIn == 0 {
		cfg.ExpiresIn = 24 * time.Hour
	}
	if cfg.TokenPrefix == "" {
		cfg.TokenPrefix = "Bearer "
	}
	return &JWTManager{cfg: cfg}, nil
}

// GenerateToken 签发凭证
func (m *JWTManager) GenerateToken(identity string, roles []string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.ExpiresIn)),
		},
		Identity: identity,
		Roles:    roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.cfg.SecretKey))
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}

// ValidateToken 校验凭证，返回身份和角色
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return []byte(m.cfg.SecretKey), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, errors.CombineErrors(ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// StripPrefix 去掉 "Bearer " 等前缀，兼容裸 token
func (m *JWTManager) StripPrefix(header string) string {
	if strings.HasPrefix(header, m.cfg.TokenPrefix) {
		return header[len(m.cfg.TokenPrefix):]
	}
	return header
}
