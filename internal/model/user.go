package model

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User 密码认证处理器使用的本地账户
type User struct {
	BaseModel
	Username         string       `gorm:"type:varchar(100);uniqueIndex" json:"username"`
	Email            string       `gorm:"type:varchar(255);uniqueIndex" json:"email"`
	Phone            string       `gorm:"type:varchar(20);index" json:"phone,omitempty"`
	PasswordHash     string       `gorm:"type:varchar(255)" json:"-"`
	DisplayName      string       `gorm:"type:varchar(100)" json:"display_name"`
	Status           string       `gorm:"type:varchar(20);default:active" json:"status"`
	Attributes       AttributeMap `gorm:"type:json" json:"attributes,omitempty"` // 额外的主体属性
	FailedLoginCount int          `gorm:"default:0" json:"-"`
	LockedUntil      *time.Time   `json:"-"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// PasswordCost bcrypt 计算成本
var PasswordCost = bcrypt.DefaultCost

// SetPassword 设置密码（哈希存储）
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

// VerifyPassword 验证密码
func (u *User) VerifyPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	return err == nil
}

// IsActive 检查用户是否启用
func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

// IsLocked 检查用户是否被锁定
func (u *User) IsLocked() bool {
	if u.LockedUntil == nil {
		return false
	}
	return Now().Before(*u.LockedUntil)
}

// IncrementFailedLogin 增加登录失败次数
func (u *User) IncrementFailedLogin() {
	u.FailedLoginCount++
	if u.FailedLoginCount >= 5 {
		lockTime := Now().Add(15 * time.Minute)
		u.LockedUntil = &lockTime
	}
}

// ResetFailedLogin 重置登录失败次数
func (u *User) ResetFailedLogin() {
	u.FailedLoginCount = 0
	u.LockedUntil = nil
}

// PrincipalAttributes 用户资料转换为主体属性
func (u *User) PrincipalAttributes(roles []string) map[string][]string {
	attrs := make(map[string][]string, len(u.Attributes)+5)
	for k, v := range u.Attributes {
		attrs[k] = append([]string(nil), v...)
	}
	put := func(name, value string) {
		if value != "" {
			attrs[name] = []string{value}
		}
	}
	put("uid", u.Username)
	put("mail", u.Email)
	put("phone", u.Phone)
	put("displayName", u.DisplayName)
	if len(roles) > 0 {
		attrs[AttributeMemberOf] = append([]string(nil), roles...)
	}
	return attrs
}
