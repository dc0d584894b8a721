package repository

import (
	"time"

	"github.com/google/uuid"

	"github.com/example/woundscan/internal/capture"
)

// BlobRef is the handle of a stored capture image.
type BlobRef struct {
	DeliveryURL  string `gorm:"type:text;not null" json:"deliveryUrl" validate:"required,url"`
	CanonicalURL string `gorm:"type:text;not null" json:"canonicalUrl" validate:"required"`
	StorageID    string `gorm:"size:512;not null;index" json:"storageId" validate:"required,max=512"`
}

// CaptureRecord is one classified, stored capture. Records are immutable once created.
type CaptureRecord struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id" validate:"required"`
	// Seq breaks createdAt ties in insertion order.
	Seq             int64          `gorm:"autoIncrement;not null;uniqueIndex" json:"-"`
	Domain          capture.Domain `gorm:"size:16;not null;index:idx_capture_owner_domain_created,priority:2" json:"domain" validate:"required,oneof=burn wound"`
	OwnerID         uuid.UUID      `gorm:"type:uuid;not null;index:idx_capture_owner_domain_created,priority:1" json:"-" validate:"required"`
	Blob            BlobRef        `gorm:"embedded;embeddedPrefix:blob_" json:"blobRef"`
	PredictedLabel  string         `gorm:"size:64;not null" json:"predictedLabel" validate:"required"`
	ConfidenceScore float64        `gorm:"not null" json:"confidenceScore" validate:"gte=0,lte=100"`
	ImageWidth      int            `gorm:"not null" json:"imageWidth" validate:"gt=0"`
	ImageHeight     int            `gorm:"not null" json:"imageHeight" validate:"gt=0"`
	ImageFormat     string         `gorm:"size:8;not null" json:"imageFormat" validate:"required,oneof=jpg png"`
	IdempotencyKey  string         `gorm:"size:128;index" json:"idempotencyKey,omitempty" validate:"omitempty,max=128"`
	CreatedAt       time.Time      `gorm:"autoCreateTime:false;not null;default:CURRENT_TIMESTAMP;index:idx_capture_owner_domain_created,priority:3,sort:desc" json:"createdAt"`

	// Owner is only populated on reads and is never written through this record.
	Owner *Owner `gorm:"foreignKey:OwnerID;references:ID" json:"ownerId,omitempty" validate:"-"`
}

// TableName overrides the default table name.
func (CaptureRecord) TableName() string {
	return "capture_records"
}

// Owner is the part of an account that may be shown next to its captures.
type Owner struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
}

// TableName overrides the default table name.
func (Owner) TableName() string {
	return "accounts"
}

// Account is a registered user. Only its Projection leaves this package's callers.
type Account struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	FirstName    string    `gorm:"size:128"`
	LastName     string    `gorm:"size:128"`
	Email        string    `gorm:"size:320;not null;uniqueIndex"`
	PasswordHash string    `gorm:"type:text"`
	Role         string    `gorm:"size:32"`
	CreatedAt    time.Time
}

// TableName overrides the default table name.
func (Account) TableName() string {
	return "accounts"
}

// Projection returns the owner view of the account without credentials or role.
func (a *Account) Projection() *Owner {
	return &Owner{
		ID:        a.ID,
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Email:     a.Email,
	}
}

var ownerColumns = []string{"id", "first_name", "last_name", "email"}
