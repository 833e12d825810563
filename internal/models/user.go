package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DealRole is the business role a user plays on a deal.
type DealRole string

const (
	DealRoleSeller DealRole = "seller"
	DealRoleLender DealRole = "lender"
)

type User struct {
	ID           string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Username     string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"type:varchar(100);not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}
