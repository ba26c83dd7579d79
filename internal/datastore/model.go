// model.go this code defines the data model for the application
package datastore

import "time"

// Design represents a user submitted pixel-art design. The design store is
// owned by the upload/approval side of the application; the rotation engine
// only reads it.
type Design struct {
	ID         uint `gorm:"primaryKey"`
	UserID     uint `gorm:"index:idx_designs_user"`
	Title      string
	PixelData  string `gorm:"type:text"` // encoded pixel matrix as stored by the editor
	IsApproved bool   `gorm:"default:true"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RotationItem is an entry currently eligible for display on the panels.
// DisplayOrder values of all rows form a contiguous 1..N sequence.
type RotationItem struct {
	ID           uint   `gorm:"primaryKey"`
	DesignID     uint   `gorm:"index;not null;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;foreignKey:DesignID;references:ID"`
	Design       Design `gorm:"foreignKey:DesignID;constraint:OnDelete:CASCADE"`
	Duration     int    `gorm:"not null"` // seconds the item stays on screen once active
	DisplayOrder int    `gorm:"index:idx_rotation_items_order;not null"`
	ExpiryTime   time.Time `gorm:"index:idx_rotation_items_expiry;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ScheduledItem is a future insertion request, not yet part of the rotation.
// StartTime is stored truncated to the minute; no two rows may share it.
type ScheduledItem struct {
	ID              uint   `gorm:"primaryKey"`
	DesignID        uint   `gorm:"index;not null;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;foreignKey:DesignID;references:ID"`
	Design          Design `gorm:"foreignKey:DesignID;constraint:OnDelete:CASCADE"`
	Duration        int    `gorm:"not null"`
	StartTime       time.Time  `gorm:"index:idx_scheduled_items_start;not null"`
	EndTime         *time.Time // nil means the item expires a default TTL after promotion
	OverrideCurrent bool       `gorm:"default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ActiveItem is a singleton row (ID=1) pointing at the rotation item
// currently on screen. ItemID is nil when the rotation is empty.
type ActiveItem struct {
	ID          uint  `gorm:"primaryKey"`
	ItemID      *uint `gorm:"index"`
	ActivatedAt time.Time
}

// UploadHistory records every attempt to put a design on the panels.
type UploadHistory struct {
	ID          uint      `gorm:"primaryKey"`
	DesignID    uint      `gorm:"index;not null;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;foreignKey:DesignID;references:ID"`
	AttemptTime time.Time `gorm:"index"`
	Status      string    `gorm:"type:varchar(20)"` // "pending", "successful" or "failed"
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Upload history statuses
const (
	UploadStatusPending    = "pending"
	UploadStatusSuccessful = "successful"
	UploadStatusFailed     = "failed"
)

// ActiveImage is the join of the active pointer with its rotation item and
// design, served to panels as the "current image".
type ActiveImage struct {
	Item        RotationItem
	Design      Design
	ActivatedAt time.Time
}

// RotationPage is a page of rotation items with pagination info.
type RotationPage struct {
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Total    int64          `json:"total"`
	Pages    int            `json:"pages"`
	Items    []RotationItem `json:"items"`
}

// SchedulePage is a page of scheduled items with pagination info.
type SchedulePage struct {
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Total    int64           `json:"total"`
	Pages    int             `json:"pages"`
	Items    []ScheduledItem `json:"items"`
}

// HistoryEntry is one row of the per-user rotation history listing.
type HistoryEntry struct {
	ItemID       uint      `json:"item_id"`
	CreatedAt    time.Time `json:"created_at"`
	Duration     int       `json:"duration"`
	DisplayOrder int       `json:"display_order"`
	ExpiryTime   time.Time `json:"expiry_time"`
	Status       string    `json:"status"` // "active" while expiry_time is in the future
	Title        string    `json:"title"`
	PixelData    string    `json:"pixel_data"`
}

// RemovalResult reports what a queue removal did so the engine can keep its
// in-memory active state in sync with the committed transaction.
type RemovalResult struct {
	Removed         bool
	WasActive       bool
	NewActiveItemID *uint
	ActivatedAt     time.Time
}

// SweepResult reports the outcome of an expiry sweep.
type SweepResult struct {
	RemovedIDs      []uint
	WasActive       bool
	NewActiveItemID *uint
	ActivatedAt     time.Time
}

// PromotedItem describes one scheduled item moved into the rotation.
type PromotedItem struct {
	ScheduleID uint
	ItemID     uint
	DesignID   uint
	Override   bool
}

// PromotionResult reports the outcome of a promotion pass.
type PromotionResult struct {
	Promoted        []PromotedItem
	ActiveItemID    *uint // set when an override item took over the screen
	ActivatedAt     time.Time
	OverrideApplied bool
}
