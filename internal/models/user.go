package models

type User struct {
	BaseModel
	Username      string  `json:"username" gorm:"type:varchar(30);uniqueIndex;not null"`
	Email         *string `json:"email,omitempty" gorm:"type:varchar(255);index"`
	Phone         *string `json:"phone,omitempty" gorm:"type:varchar(16);index"`
	PasswordHash  string  `json:"-" gorm:"type:text;not null"`
	FullName      string  `json:"fullName" gorm:"type:varchar(200)"`
	Language      string  `json:"language" gorm:"type:varchar(10);not null;default:'en'"`
	Measurement   string  `json:"measurement" gorm:"type:varchar(20);not null;default:'metric'"`
	AvatarURL     *string `json:"avatarURL,omitempty" gorm:"type:text"`
	EmailVerified bool    `json:"emailVerified" gorm:"not null;default:false"`
	PhoneVerified bool    `json:"phoneVerified" gorm:"not null;default:false"`
	IsActive      bool    `json:"isActive" gorm:"not null;default:false"`
	IsSuperuser   bool    `json:"-" gorm:"not null;default:false"`

	OrganizationRoles   []OrganizationRole   `json:"-" gorm:"foreignKey:UserID"`
	ProjectRoles        []ProjectRole        `json:"-" gorm:"foreignKey:UserID"`
	VerificationDevices []VerificationDevice `json:"-" gorm:"foreignKey:UserID"`
}

// Verified reports whether at least one contact channel has been confirmed.
// Unverified accounts cannot log in.
func (u *User) Verified() bool {
	return u.EmailVerified || u.PhoneVerified
}
