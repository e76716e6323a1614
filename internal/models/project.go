package models

import "github.com/google/uuid"

type ProjectRoleName string

const (
	ProjectRoleManager       ProjectRoleName = "PM"
	ProjectRoleCollector     ProjectRoleName = "PC"
	ProjectRoleDataCollector ProjectRoleName = "DC"
	ProjectRoleUser          ProjectRoleName = "PU"
)

func ValidProjectRole(role ProjectRoleName) bool {
	switch role {
	case ProjectRoleManager, ProjectRoleCollector, ProjectRoleDataCollector, ProjectRoleUser:
		return true
	default:
		return false
	}
}

type Project struct {
	BaseModel
	OrganizationID uuid.UUID   `json:"organizationID" gorm:"type:uuid;not null;index;uniqueIndex:idx_projects_org_slug"`
	Slug           string      `json:"slug" gorm:"type:varchar(50);not null;uniqueIndex:idx_projects_org_slug"`
	Name           string      `json:"name" gorm:"type:varchar(200);not null"`
	Description    *string     `json:"description,omitempty" gorm:"type:text"`
	Access         AccessLevel `json:"access" gorm:"type:varchar(10);not null;default:'public'"`
	Archived       bool        `json:"archived" gorm:"not null;default:false"`

	Organization Organization  `json:"organization,omitempty" gorm:"foreignKey:OrganizationID"`
	Roles        []ProjectRole `json:"-" gorm:"foreignKey:ProjectID"`
}

type ProjectRole struct {
	BaseModel
	ProjectID uuid.UUID       `json:"projectID" gorm:"type:uuid;not null;uniqueIndex:idx_project_roles_member"`
	UserID    uuid.UUID       `json:"userID" gorm:"type:uuid;not null;index;uniqueIndex:idx_project_roles_member"`
	Role      ProjectRoleName `json:"role" gorm:"type:varchar(2);not null;default:'PU'"`

	Project Project `json:"-" gorm:"foreignKey:ProjectID"`
	User    User    `json:"user,omitempty" gorm:"foreignKey:UserID"`
}

func (ProjectRole) TableName() string {
	return "project_roles"
}
