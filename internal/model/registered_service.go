package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
)

// RegisteredService 已注册的服务
// ServiceID 为正则表达式，多个服务同时匹配时按 EvaluationOrder 升序取第一个
type RegisteredService struct {
	BaseModel
	Name            string `gorm:"type:varchar(255);not null" json:"name"`
	ServiceID       string `gorm:"type:varchar(1024);not null" json:"service_id"`
	EvaluationOrder int    `gorm:"default:0;index" json:"evaluation_order"`
	Description     string `gorm:"type:text" json:"description"`
	Status          string `gorm:"type:varchar(20);default:active" json:"status"`

	// 访问策略
	SSOEnabled         bool          `json:"sso_enabled"`
	RequiredAttributes AttributeMap  `gorm:"type:json" json:"required_attributes,omitempty"`
	AccessRule         string        `gorm:"type:text" json:"access_rule,omitempty"` // rego 模块，包名 cas.access
	RequiredHandlers   StringSlice   `gorm:"type:json" json:"required_handlers,omitempty"`
	MFAProviders       StringSlice   `gorm:"type:json" json:"mfa_providers,omitempty"`
	MFAFailureMode     string        `gorm:"type:varchar(20)" json:"mfa_failure_mode,omitempty"`
	ReleasePolicy      string        `gorm:"type:varchar(20);default:deny_all" json:"release_policy"`
	AllowedAttributes  StringSlice   `gorm:"type:json" json:"allowed_attributes,omitempty"`
	MappedAttributes   StringMapping `gorm:"type:json" json:"mapped_attributes,omitempty"`
	ProxyPolicy        string        `gorm:"type:varchar(1024)" json:"proxy_policy,omitempty"` // 允许的代理回调地址正则，空表示拒绝代理
	LogoutType         string        `gorm:"type:varchar(20);default:back_channel" json:"logout_type"`
	LogoutURL          string        `gorm:"type:varchar(1024)" json:"logout_url,omitempty"`
	JWTAsServiceTicket bool          `json:"jwt_as_service_ticket"`
	Properties         StringMapping `gorm:"type:json" json:"properties,omitempty"`
}

// TableName 指定表名
func (RegisteredService) TableName() string {
	return "registered_services"
}

// 属性释放策略
const (
	ReleaseDenyAll       = "deny_all"
	ReleaseReturnAll     = "return_all"
	ReleaseReturnAllowed = "return_allowed"
	ReleaseReturnMapped  = "return_mapped"
)

// 注销方式
const (
	LogoutTypeBackChannel = "back_channel"
	LogoutTypeNone        = "none"
)

// NewRegisteredService 创建启用单点登录、默认拒绝释放属性的服务
func NewRegisteredService(name, serviceID string) *RegisteredService {
	return &RegisteredService{
		Name:          name,
		ServiceID:     serviceID,
		Status:        StatusActive,
		SSOEnabled:    true,
		ReleasePolicy: ReleaseDenyAll,
		LogoutType:    LogoutTypeBackChannel,
	}
}

// IsServiceAccessAllowed 服务是否启用
func (s *RegisteredService) IsServiceAccessAllowed() bool {
	return s.Status == StatusActive
}

// IsSSOEnabled 服务是否参与单点登录
func (s *RegisteredService) IsSSOEnabled() bool {
	return s.SSOEnabled
}

// Matches 服务地址是否匹配 ServiceID
func (s *RegisteredService) Matches(service Service) bool {
	re, err := compilePattern(s.ServiceID)
	if err != nil {
		return false
	}
	return re.MatchString(service.ID)
}

// DoPrincipalAttributesAllowServiceAccess 主体属性是否满足服务要求
// 每个要求的属性至少有一个值命中即可
func (s *RegisteredService) DoPrincipalAttributesAllowServiceAccess(attributes map[string][]string) bool {
	for name, required := range s.RequiredAttributes {
		values, ok := attributes[name]
		if !ok {
			return false
		}
		if len(required) == 0 {
			continue
		}
		if !anyMatch(required, values) {
			return false
		}
	}
	return true
}

// IsProxyAllowed 代理回调地址是否被允许
func (s *RegisteredService) IsProxyAllowed(callbackURL string) bool {
	if s.ProxyPolicy == "" {
		return false
	}
	re, err := compilePattern(s.ProxyPolicy)
	if err != nil {
		return false
	}
	return re.MatchString(callbackURL)
}

// AttributeReleasePolicy 根据配置构造属性释放策略
func (s *RegisteredService) AttributeReleasePolicy() AttributeReleasePolicy {
	switch s.ReleasePolicy {
	case ReleaseReturnAll:
		return ReturnAllAttributeReleasePolicy{}
	case ReleaseReturnAllowed:
		return ReturnAllowedAttributeReleasePolicy{Allowed: s.AllowedAttributes}
	case ReleaseReturnMapped:
		return ReturnMappedAttributeReleasePolicy{Mapping: s.MappedAttributes}
	default:
		return DenyAllAttributeReleasePolicy{}
	}
}

func anyMatch(required, values []string) bool {
	for _, r := range required {
		re, err := compilePattern(r)
		for _, v := range values {
			if v == r || (err == nil && re.MatchString(v)) {
				return true
			}
		}
	}
	return false
}

var patternCache sync.Map

// compilePattern 编译并缓存整串匹配的正则
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}

// StringSlice 字符串切片类型，用于 JSON 存储
type StringSlice []string

// Value 实现 driver.Valuer 接口
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

// Scan 实现 sql.Scanner 接口
func (s *StringSlice) Scan(value interface{}) error {
	return scanJSON(value, s)
}

// Contains 是否包含指定值
func (s StringSlice) Contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

// StringMapping 字符串映射，用于 JSON 存储
type StringMapping map[string]string

// Value 实现 driver.Valuer 接口
func (m StringMapping) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// Scan 实现 sql.Scanner 接口
func (m *StringMapping) Scan(value interface{}) error {
	return scanJSON(value, m)
}

// AttributeMap 多值属性映射，用于 JSON 存储
type AttributeMap map[string][]string

// Value 实现 driver.Valuer 接口
func (m AttributeMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// Scan 实现 sql.Scanner 接口
func (m *AttributeMap) Scan(value interface{}) error {
	return scanJSON(value, m)
}

func scanJSON(value interface{}, dst interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return errors.New("无法将值转换为 []byte")
	}
}
