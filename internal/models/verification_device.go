package models

import "github.com/google/uuid"

type DeviceLabel string

const (
	// DeviceLabelPhoneVerify marks the device confirming a new phone number.
	DeviceLabelPhoneVerify DeviceLabel = "phone_verify"
	// DeviceLabelPasswordReset marks the device guarding a reset-by-phone flow.
	DeviceLabelPasswordReset DeviceLabel = "password_reset"
)

// LastTSentinel is below every valid time step, so a fresh device is never
// blocked by the replay check.
const LastTSentinel int64 = -1

// VerificationDevice binds a one-time-token secret to a user and a phone
// number that has not been trusted yet. LastT is the step index of the most
// recently accepted token; it only ever moves forward, which is what makes a
// token single-use.
type VerificationDevice struct {
	BaseModel
	UserID          uuid.UUID   `json:"userID" gorm:"type:uuid;not null;index;uniqueIndex:idx_devices_user_label"`
	UnverifiedPhone string      `json:"unverifiedPhone" gorm:"type:varchar(16);not null;index"`
	Label           DeviceLabel `json:"label" gorm:"type:varchar(20);not null;default:'phone_verify';uniqueIndex:idx_devices_user_label"`
	SecretKey       string      `json:"-" gorm:"type:text;not null"`
	LastT           int64       `json:"-" gorm:"not null;default:-1"`
	Confirmed       bool        `json:"confirmed" gorm:"not null;default:false"`

	User User `json:"-" gorm:"foreignKey:UserID"`
}

func (VerificationDevice) TableName() string {
	return "verification_devices"
}
