package model

import (
	"time"

	"gorm.io/gorm"
)

// Account roles. The ingestion worker tracks mail from "user" accounts and
// records it against a "staff" or "admin" recipient.
const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// User represents a CRM account
type User struct {
	ID                 uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	Name               string         `json:"name" gorm:"type:varchar(255)"`
	Email              string         `json:"email" gorm:"type:varchar(255);not null;uniqueIndex"`
	Role               string         `json:"role" gorm:"type:varchar(50);not null;default:user;index"`
	PasswordHash       string         `json:"-" gorm:"type:varchar(255)"`
	MustChangePassword bool           `json:"must_change_password" gorm:"default:false"`
	LastContactAt      *time.Time     `json:"last_contact_at"`
	LastMessagePreview string         `json:"last_message_preview" gorm:"type:varchar(512)"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}

// IsStaff reports whether the account has a staff or admin role
func (u *User) IsStaff() bool {
	return u.Role == RoleStaff || u.Role == RoleAdmin
}
