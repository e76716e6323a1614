package models

import "github.com/google/uuid"

type AccessLevel string

const (
	AccessPublic  AccessLevel = "public"
	AccessPrivate AccessLevel = "private"
)

type Organization struct {
	BaseModel
	Slug        string      `json:"slug" gorm:"type:varchar(50);uniqueIndex;not null"`
	Name        string      `json:"name" gorm:"type:varchar(200);not null"`
	Description *string     `json:"description,omitempty" gorm:"type:text"`
	Access      AccessLevel `json:"access" gorm:"type:varchar(10);not null;default:'public'"`
	Archived    bool        `json:"archived" gorm:"not null;default:false"`

	Roles    []OrganizationRole `json:"-" gorm:"foreignKey:OrganizationID"`
	Projects []Project          `json:"-" gorm:"foreignKey:OrganizationID"`
}

// OrganizationRole makes a user a member of an organization; the admin flag
// grants the full org permission set.
type OrganizationRole struct {
	BaseModel
	OrganizationID uuid.UUID `json:"organizationID" gorm:"type:uuid;not null;uniqueIndex:idx_org_roles_member"`
	UserID         uuid.UUID `json:"userID" gorm:"type:uuid;not null;index;uniqueIndex:idx_org_roles_member"`
	Admin          bool      `json:"admin" gorm:"not null;default:false"`

	Organization Organization `json:"-" gorm:"foreignKey:OrganizationID"`
	User         User         `json:"user,omitempty" gorm:"foreignKey:UserID"`
}

func (OrganizationRole) TableName() string {
	return "organization_roles"
}
