package model

import "time"

// TicketEntity 关系型数据库中的票据行
type TicketEntity struct {
	ID               string     `gorm:"type:varchar(255);primaryKey"`
	Kind             string     `gorm:"type:varchar(10);index;not null"`
	GrantingTicketID string     `gorm:"type:varchar(255);index"`
	Body             string     `gorm:"type:text;not null"`
	ExpiresAt        *time.Time `gorm:"index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName 指定表名
func (TicketEntity) TableName() string {
	return "cas_tickets"
}
