package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CallRecord is the persisted trace of one call on a deal. The live room
// state is in-memory only; this row is what survives for audit.
type CallRecord struct {
	ID            string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	DealID        string    `gorm:"type:varchar(36);not null;index" json:"deal_id"`
	StartedByID   string    `gorm:"type:varchar(36);not null" json:"started_by_id"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
	EndReason     string    `gorm:"type:varchar(50)" json:"end_reason,omitempty"`
	RecordingPath string    `gorm:"type:text" json:"recording_path,omitempty"`

	Deal Deal `gorm:"foreignKey:DealID" json:"-"`
}

func (r *CallRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}
