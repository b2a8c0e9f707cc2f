package service

import (
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pu-ac-cn/uac-cas/internal/model"
)

// 令牌相关错误
var (
	ErrInvalidToken     = errors.New("无效的令牌")
	ErrTokenExpired     = errors.New("令牌已过期")
	ErrInvalidSignature = errors.New("签名验证失败")
	ErrInvalidIssuer    = errors.New("无效的签发者")
)

// AssertionClaims 以 JWT 形式返回的验证结果
type AssertionClaims struct {
	jwt.RegisteredClaims
	Attributes   map[string][]string `json:"attributes,omitempty"`
	FromNewLogin bool                `json:"from_new_login,omitempty"`
	RememberMe   bool                `json:"remember_me,omitempty"`
	ProxyChain   []string            `json:"proxies,omitempty"`
}

// AssertionTokenEncoder 把断言编码为 JWT，供声明了 JWTAsServiceTicket 的服务使用
type AssertionTokenEncoder interface {
	Encode(assertion *model.Assertion) (string, error)
	Decode(token string) (*AssertionClaims, error)
}

// AssertionTokenConfig 配置 RSA 私钥时使用 RS256，否则使用 HS256
type AssertionTokenConfig struct {
	Secret     []byte
	PrivateKey *rsa.PrivateKey
	KeyID      string
	Issuer     string
	Expiry     time.Duration
}

type assertionTokenEncoder struct {
	secret     []byte
	privateKey *rsa.PrivateKey
	keyID      string
	issuer     string
	expiry     time.Duration
}

// NewAssertionTokenEncoder 创建断言编码器
func NewAssertionTokenEncoder(cfg AssertionTokenConfig) (AssertionTokenEncoder, error) {
	if cfg.PrivateKey == nil && len(cfg.Secret) == 0 {
		return nil, errors.New("断言签名需要密钥")
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultAssertionExpiry
	}
	return &assertionTokenEncoder{
		secret:     cfg.Secret,
		privateKey: cfg.PrivateKey,
		keyID:      cfg.KeyID,
		issuer:     cfg.Issuer,
		expiry:     cfg.Expiry,
	}, nil
}

// Encode 生成断言令牌，subject 为主体，audience 为服务地址
func (e *assertionTokenEncoder) Encode(assertion *model.Assertion) (string, error) {
	now := model.Now()
	claims := &AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    e.issuer,
			Subject:   assertion.Principal().ID,
			Audience:  jwt.ClaimStrings{assertion.Service.ID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(e.expiry)),
			ID:        uuid.NewString(),
		},
		Attributes:   assertion.ReleasedAttributes,
		FromNewLogin: assertion.FromNewLogin,
		RememberMe:   assertion.IsRememberMe(),
	}
	for _, p := range assertion.ProxyChain {
		claims.ProxyChain = append(claims.ProxyChain, p.ID)
	}

	if e.privateKey != nil {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = e.keyID
		return token.SignedString(e.privateKey)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.secret)
}

// Decode 验证签名、有效期与签发者
func (e *assertionTokenEncoder) Decode(tokenString string) (*AssertionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AssertionClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 验证签名算法
		if e.privateKey != nil {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, ErrInvalidSignature
			}
			return &e.privateKey.PublicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return e.secret, nil
	}, jwt.WithTimeFunc(model.Now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*AssertionClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	// 验证签发者
	if claims.Issuer != e.issuer {
		return nil, ErrInvalidIssuer
	}

	return claims, nil
}

// DefaultAssertionExpiry 断言令牌默认有效期
const DefaultAssertionExpiry = 5 * time.Minute
