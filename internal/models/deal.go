package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Deal is the business context a call room belongs to. Invoice details,
// scoring and document flows live in other services; this core only needs the
// two counterparties to authorize room admission.
type Deal struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Reference string    `gorm:"type:varchar(100);not null" json:"reference"`
	SellerID  string    `gorm:"type:varchar(36);not null;index" json:"seller_id"`
	LenderID  string    `gorm:"type:varchar(36);not null;index" json:"lender_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Seller User `gorm:"foreignKey:SellerID" json:"-"`
	Lender User `gorm:"foreignKey:LenderID" json:"-"`
}

func (d *Deal) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// RoleOf returns the deal role of userID, or "" if the user is not a party.
func (d *Deal) RoleOf(userID string) DealRole {
	switch userID {
	case d.SellerID:
		return DealRoleSeller
	case d.LenderID:
		return DealRoleLender
	default:
		return ""
	}
}

// Counterparty returns the other party's user ID, or "" if userID is not a party.
func (d *Deal) Counterparty(userID string) string {
	switch userID {
	case d.SellerID:
		return d.LenderID
	case d.LenderID:
		return d.SellerID
	default:
		return ""
	}
}
