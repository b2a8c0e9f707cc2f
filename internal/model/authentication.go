package model

import (
	"sort"
	"strconv"
	"time"
)

// 认证属性名
const (
	AttributeRememberMe          = "org.apereo.cas.authentication.principal.REMEMBER_ME"
	AttributeSuccessfulHandlers  = "successfulAuthenticationHandlers"
	AttributeCredentialType      = "credentialType"
	AttributeBypassMFA           = "bypassMultifactorAuthentication"
	AttributeBypassMFAProviderID = "bypassedMultifactorAuthenticationProviderId"
	AttributeAuthnContextClass   = "authnContextClass"
)

// Principal 认证主体
type Principal struct {
	ID         string              `json:"id"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// NewPrincipal 创建认证主体
func NewPrincipal(id string, attributes map[string][]string) Principal {
	return Principal{ID: id, Attributes: copyAttributes(attributes)}
}

// Credential 认证凭据
type Credential interface {
	// CredentialID 凭据标识，例如用户名
	CredentialID() string
	// Type 凭据类型名
	Type() string
}

// UsernamePasswordCredential 用户名密码凭据
type UsernamePasswordCredential struct {
	Username   string `json:"username"`
	Password   string `json:"-"`
	RememberMe bool   `json:"remember_me,omitempty"`
}

// CredentialID 返回用户名
func (c *UsernamePasswordCredential) CredentialID() string { return c.Username }

// Type 凭据类型
func (c *UsernamePasswordCredential) Type() string { return "UsernamePasswordCredential" }

// HTTPBasedServiceCredential 代理回调凭据，PGT 签发时以回调地址作为凭据
type HTTPBasedServiceCredential struct {
	CallbackURL string `json:"callback_url"`
	ServiceID   string `json:"service_id"`
}

// CredentialID 返回回调地址
func (c *HTTPBasedServiceCredential) CredentialID() string { return c.CallbackURL }

// Type 凭据类型
func (c *HTTPBasedServiceCredential) Type() string { return "HttpBasedServiceCredential" }

// CredentialMetaData 可序列化的凭据元数据，认证记录中不保留凭据本身
type CredentialMetaData struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// NewCredentialMetaData 提取凭据元数据
func NewCredentialMetaData(c Credential) CredentialMetaData {
	return CredentialMetaData{ID: c.CredentialID(), Type: c.Type()}
}

// HandlerResult 单个认证处理器的成功结果
type HandlerResult struct {
	HandlerName string             `json:"handler_name"`
	Credential  CredentialMetaData `json:"credential"`
	Principal   Principal          `json:"principal"`
	Warnings    []string           `json:"warnings,omitempty"`
}

// Authentication 不可变的认证记录
type Authentication struct {
	Principal          Principal                `json:"principal"`
	AuthenticationDate time.Time                `json:"authentication_date"`
	Credentials        []CredentialMetaData     `json:"credentials,omitempty"`
	Successes          map[string]HandlerResult `json:"successes,omitempty"`
	Failures           map[string]string        `json:"failures,omitempty"`
	Attributes         map[string][]string      `json:"attributes,omitempty"`
}

// IsSuccessful 至少一个处理器成功的认证才可被视为有效
func (a *Authentication) IsSuccessful() bool {
	return a != nil && len(a.Successes) > 0
}

// Attribute 获取认证属性
func (a *Authentication) Attribute(name string) []string {
	if a == nil {
		return nil
	}
	return a.Attributes[name]
}

// HasAttributeValue 判断认证属性是否包含指定值
func (a *Authentication) HasAttributeValue(name, value string) bool {
	for _, v := range a.Attribute(name) {
		if v == value {
			return true
		}
	}
	return false
}

// IsRememberMe 是否勾选了“记住我”
func (a *Authentication) IsRememberMe() bool {
	for _, v := range a.Attribute(AttributeRememberMe) {
		if b, err := strconv.ParseBool(v); err == nil && b {
			return true
		}
	}
	return false
}

// AuthenticationBuilder 认证记录构建器
type AuthenticationBuilder struct {
	auth Authentication
}

// NewAuthenticationBuilder 以主体创建构建器
func NewAuthenticationBuilder(principal Principal) *AuthenticationBuilder {
	return &AuthenticationBuilder{auth: Authentication{
		Principal:          principal,
		AuthenticationDate: Now(),
		Successes:          make(map[string]HandlerResult),
		Failures:           make(map[string]string),
		Attributes:         make(map[string][]string),
	}}
}

// NewAuthenticationBuilderFrom 以已有认证为基础创建构建器
func NewAuthenticationBuilderFrom(src *Authentication) *AuthenticationBuilder {
	b := NewAuthenticationBuilder(src.Principal)
	b.auth.AuthenticationDate = src.AuthenticationDate
	b.auth.Credentials = append(b.auth.Credentials, src.Credentials...)
	for k, v := range src.Successes {
		b.auth.Successes[k] = v
	}
	for k, v := range src.Failures {
		b.auth.Failures[k] = v
	}
	for k, v := range src.Attributes {
		b.auth.Attributes[k] = append([]string(nil), v...)
	}
	return b
}

// SetPrincipal 设置主体
func (b *AuthenticationBuilder) SetPrincipal(p Principal) *AuthenticationBuilder {
	b.auth.Principal = p
	return b
}

// Principal 当前主体
func (b *AuthenticationBuilder) Principal() Principal {
	return b.auth.Principal
}

// SetAuthenticationDate 设置认证时间
func (b *AuthenticationBuilder) SetAuthenticationDate(t time.Time) *AuthenticationBuilder {
	b.auth.AuthenticationDate = t
	return b
}

// AddCredential 记录使用过的凭据
func (b *AuthenticationBuilder) AddCredential(c CredentialMetaData) *AuthenticationBuilder {
	b.auth.Credentials = append(b.auth.Credentials, c)
	return b
}

// AddSuccess 记录处理器成功
func (b *AuthenticationBuilder) AddSuccess(name string, r HandlerResult) *AuthenticationBuilder {
	b.auth.Successes[name] = r
	return b
}

// AddFailure 记录处理器失败
func (b *AuthenticationBuilder) AddFailure(name string, err error) *AuthenticationBuilder {
	b.auth.Failures[name] = err.Error()
	return b
}

// Successes 已记录的成功结果
func (b *AuthenticationBuilder) Successes() map[string]HandlerResult {
	return b.auth.Successes
}

// Credentials 已记录的凭据
func (b *AuthenticationBuilder) Credentials() []CredentialMetaData {
	return b.auth.Credentials
}

// AddAttribute 设置属性，覆盖原值
func (b *AuthenticationBuilder) AddAttribute(name string, values ...string) *AuthenticationBuilder {
	b.auth.Attributes[name] = values
	return b
}

// MergeAttribute 合并属性值并去重
func (b *AuthenticationBuilder) MergeAttribute(name string, values ...string) *AuthenticationBuilder {
	set := make(map[string]struct{})
	merged := make([]string, 0, len(values))
	for _, v := range append(b.auth.Attributes[name], values...) {
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		merged = append(merged, v)
	}
	sort.Strings(merged)
	b.auth.Attributes[name] = merged
	return b
}

// HasAttribute 属性是否存在
func (b *AuthenticationBuilder) HasAttribute(name string) bool {
	_, ok := b.auth.Attributes[name]
	return ok
}

// Build 生成认证记录
func (b *AuthenticationBuilder) Build() *Authentication {
	out := b.auth
	out.Principal = NewPrincipal(b.auth.Principal.ID, b.auth.Principal.Attributes)
	out.Credentials = append([]CredentialMetaData(nil), b.auth.Credentials...)
	out.Successes = make(map[string]HandlerResult, len(b.auth.Successes))
	for k, v := range b.auth.Successes {
		out.Successes[k] = v
	}
	out.Failures = make(map[string]string, len(b.auth.Failures))
	for k, v := range b.auth.Failures {
		out.Failures[k] = v
	}
	out.Attributes = copyAttributes(b.auth.Attributes)
	return &out
}

func copyAttributes(src map[string][]string) map[string][]string {
	dst := make(map[string][]string, len(src))
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
	return dst
}
