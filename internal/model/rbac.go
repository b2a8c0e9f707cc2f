package model

// Role 角色模型，角色代码作为 memberOf 属性随主体释放
type Role struct {
	BaseModel
	Name        string `gorm:"type:varchar(100);not null" json:"name"`        // 角色名称
	Code        string `gorm:"type:varchar(50);uniqueIndex" json:"code"`      // 角色代码
	Description string `gorm:"type:varchar(500)" json:"description"`          // 角色描述
	Status      string `gorm:"type:varchar(20);default:active" json:"status"` // 状态
}

// TableName 指定表名
func (Role) TableName() string {
	return "roles"
}

// IsActive 检查角色是否启用
func (r *Role) IsActive() bool {
	return r.Status == StatusActive
}

// UserRole 用户角色关联模型
type UserRole struct {
	BaseModel
	UserID string `gorm:"type:char(36);index;not null" json:"user_id"` // 用户 ID
	RoleID string `gorm:"type:char(36);index;not null" json:"role_id"` // 角色 ID

	// 关联
	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Role *Role `gorm:"foreignKey:RoleID" json:"role,omitempty"`
}

// TableName 指定表名
func (UserRole) TableName() string {
	return "user_roles"
}

// AttributeMemberOf 角色属性名
const AttributeMemberOf = "memberOf"
