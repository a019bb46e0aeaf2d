package model

import (
	"time"

	"gorm.io/gorm"
)

// Email directions and statuses
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	StatusDelivered = "delivered"
)

// AttachmentMeta describes an attachment on a persisted email record.
// Only metadata is kept; attachment payloads are never stored here.
type AttachmentMeta struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// EmailRecord represents a persisted email in the conversation model
type EmailRecord struct {
	ID          uint             `json:"id" gorm:"primaryKey;autoIncrement"`
	Subject     string           `json:"subject" gorm:"type:varchar(998)"`
	TextBody    string           `json:"text_body" gorm:"type:text"`
	HTMLBody    string           `json:"html_body" gorm:"type:text"`
	Direction   string           `json:"direction" gorm:"type:varchar(20);not null"`
	Status      string           `json:"status" gorm:"type:varchar(20);not null"`
	SenderID    uint             `json:"sender_id" gorm:"not null;index"`
	RecipientID uint             `json:"recipient_id" gorm:"not null;index"`
	MessageID   string           `json:"message_id" gorm:"type:varchar(255);index"`
	InReplyTo   string           `json:"in_reply_to" gorm:"type:varchar(255)"`
	References  string           `json:"references" gorm:"column:header_references;type:text"`
	Attachments []AttachmentMeta `json:"attachments" gorm:"serializer:json"`
	DeliveredAt time.Time        `json:"delivered_at"`
	SentAt      time.Time        `json:"sent_at"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	DeletedAt   gorm.DeletedAt   `json:"deleted_at,omitempty" gorm:"index"`

	Sender    *User `json:"sender,omitempty" gorm:"foreignKey:SenderID"`
	Recipient *User `json:"recipient,omitempty" gorm:"foreignKey:RecipientID"`
}

// TableName specifies the table name for EmailRecord
func (EmailRecord) TableName() string {
	return "emails"
}
