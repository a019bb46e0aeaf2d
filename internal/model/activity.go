package model

import (
	"time"

	"gorm.io/gorm"
)

// Activity types emitted by the ingestion worker
const (
	ActivityEmailReceived      = "email received"
	ActivityAccountProvisioned = "fallback account provisioned"
)

// Activity represents an entry in the CRM audit/activity log
type Activity struct {
	ID          uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	Type        string         `json:"type" gorm:"type:varchar(100);not null;index"`
	Title       string         `json:"title" gorm:"type:varchar(255)"`
	Description string         `json:"description" gorm:"type:text"`
	UserID      uint           `json:"user_id" gorm:"index"`
	ActorID     uint           `json:"actor_id" gorm:"index"`
	Metadata    map[string]any `json:"metadata" gorm:"serializer:json"`
	CreatedAt   time.Time      `json:"created_at"`
	DeletedAt   gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for Activity
func (Activity) TableName() string {
	return "activities"
}
