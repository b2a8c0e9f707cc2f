package service

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pu-ac-cn/uac-cas/internal/model"
)

func newTestAssertion() *model.Assertion {
	auth := model.NewAuthenticationBuilder(model.NewPrincipal("alice", nil)).
		AddAttribute(model.AttributeRememberMe, "true").
		Build()
	return &model.Assertion{
		PrimaryAuthentication: auth,
		Service:               model.NewService("https://app.example.org/"),
		FromNewLogin:          true,
		ReleasedAttributes:    map[string][]string{"mail": {"alice@example.com"}},
		ProxyChain:            []model.Service{model.NewService("https://proxy.example.org/cb")},
	}
}

// TestAssertionTokenEncoder_HS256 测试对称密钥签发与验证
func TestAssertionTokenEncoder_HS256(t *testing.T) {
	enc, err := NewAssertionTokenEncoder(AssertionTokenConfig{Secret: []byte("test-secret"), Issuer: "https://cas.example.org/cas"})
	if err != nil {
		t.Fatalf("创建编码器失败: %v", err)
	}

	token, err := enc.Encode(newTestAssertion())
	if err != nil {
		t.Fatalf("生成令牌失败: %v", err)
	}
	claims, err := enc.Decode(token)
	if err != nil {
		t.Fatalf("验证令牌失败: %v", err)
	}

	if claims.Subject != "alice" {
		t.Errorf("主体错误: %s", claims.Subject)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "https://app.example.org/" {
		t.Errorf("受众错误: %v", claims.Audience)
	}
	if claims.ID == "" {
		t.Error("令牌 ID 不应为空")
	}
	if !claims.FromNewLogin || !claims.RememberMe {
		t.Error("登录标志丢失")
	}
	if got := claims.Attributes["mail"]; len(got) != 1 || got[0] != "alice@example.com" {
		t.Errorf("属性错误: %v", got)
	}
	if len(claims.ProxyChain) != 1 || claims.ProxyChain[0] != "https://proxy.example.org/cb" {
		t.Errorf("代理链错误: %v", claims.ProxyChain)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != DefaultAssertionExpiry {
		t.Errorf("默认有效期错误: %v", got)
	}
}

// TestAssertionTokenEncoder_RS256 测试私钥签名并携带 kid
func TestAssertionTokenEncoder_RS256(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	enc, err := NewAssertionTokenEncoder(AssertionTokenConfig{PrivateKey: privateKey, KeyID: "cas-1", Issuer: "cas"})
	if err != nil {
		t.Fatalf("创建编码器失败: %v", err)
	}

	token, err := enc.Encode(newTestAssertion())
	if err != nil {
		t.Fatalf("生成令牌失败: %v", err)
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &AssertionClaims{})
	if err != nil {
		t.Fatalf("解析令牌头失败: %v", err)
	}
	if parsed.Method.Alg() != "RS256" {
		t.Errorf("签名算法错误: %s", parsed.Method.Alg())
	}
	if parsed.Header["kid"] != "cas-1" {
		t.Errorf("kid 错误: %v", parsed.Header["kid"])
	}
	if _, err := enc.Decode(token); err != nil {
		t.Errorf("验证令牌失败: %v", err)
	}
}

// TestAssertionTokenEncoder_Expired 测试令牌过期
func TestAssertionTokenEncoder_Expired(t *testing.T) {
	clock := model.NewFakeClock(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))
	defer model.SetClock(clock.Now)()

	enc, _ := NewAssertionTokenEncoder(AssertionTokenConfig{Secret: []byte("test-secret"), Issuer: "cas", Expiry: time.Minute})
	token, err := enc.Encode(newTestAssertion())
	if err != nil {
		t.Fatalf("生成令牌失败: %v", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := enc.Decode(token); err != ErrTokenExpired {
		t.Errorf("期望 ErrTokenExpired, 实际 %v", err)
	}
}

func TestAssertionTokenEncoder_Rejects(t *testing.T) {
	enc, _ := NewAssertionTokenEncoder(AssertionTokenConfig{Secret: []byte("test-secret"), Issuer: "cas"})
	token, _ := enc.Encode(newTestAssertion())

	t.Run("签发者不符", func(t *testing.T) {
		other, _ := NewAssertionTokenEncoder(AssertionTokenConfig{Secret: []byte("test-secret"), Issuer: "other"})
		if _, err := other.Decode(token); err != ErrInvalidIssuer {
			t.Errorf("期望 ErrInvalidIssuer, 实际 %v", err)
		}
	})

	t.Run("密钥不符", func(t *testing.T) {
		other, _ := NewAssertionTokenEncoder(AssertionTokenConfig{Secret: []byte("another-secret"), Issuer: "cas"})
		if _, err := other.Decode(token); err != ErrInvalidToken {
			t.Errorf("期望 ErrInvalidToken, 实际 %v", err)
		}
	})

	t.Run("篡改内容", func(t *testing.T) {
		parts := strings.Split(token, ".")
		parts[1] = parts[1] + "x"
		if _, err := enc.Decode(strings.Join(parts, ".")); err != ErrInvalidToken {
			t.Errorf("期望 ErrInvalidToken, 实际 %v", err)
		}
	})

	t.Run("缺少密钥", func(t *testing.T) {
		if _, err := NewAssertionTokenEncoder(AssertionTokenConfig{Issuer: "cas"}); err == nil {
			t.Error("缺少密钥应返回错误")
		}
	})
}
