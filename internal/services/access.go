package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/terrabase/backend/internal/models"
	"github.com/terrabase/backend/pkg/utils"
	"gorm.io/gorm"
)

// AccessService derives what a user may see and do from their organization
// and project roles. The role-to-permission mapping is fixed in code: org
// members may view their own private organizations and projects, org admins
// additionally manage the org and see archived entries, and project managers
// act as administrators of their project.
type AccessService struct {
	DB *gorm.DB
}

func NewAccessService(db *gorm.DB) *AccessService {
	return &AccessService{DB: db}
}

// OrgRole returns the user's role in an organization, or nil when the user
// is not a member.
func (a *AccessService) OrgRole(ctx context.Context, orgID, userID uuid.UUID) (*models.OrganizationRole, error) {
	var role models.OrganizationRole
	err := a.DB.WithContext(ctx).First(&role, "organization_id = ? AND user_id = ?", orgID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// ProjectRole returns the user's role in a project, or nil when the user is
// not a member.
func (a *AccessService) ProjectRole(ctx context.Context, projectID, userID uuid.UUID) (*models.ProjectRole, error) {
	var role models.ProjectRole
	err := a.DB.WithContext(ctx).First(&role, "project_id = ? AND user_id = ?", projectID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (a *AccessService) IsOrgAdmin(ctx context.Context, user *models.User, orgID uuid.UUID) (bool, error) {
	if user == nil {
		return false, nil
	}
	if user.IsSuperuser {
		return true, nil
	}
	role, err := a.OrgRole(ctx, orgID, user.ID)
	if err != nil {
		return false, err
	}
	return role != nil && role.Admin, nil
}

func (a *AccessService) IsOrgMember(ctx context.Context, user *models.User, orgID uuid.UUID) (bool, error) {
	if user == nil {
		return false, nil
	}
	if user.IsSuperuser {
		return true, nil
	}
	role, err := a.OrgRole(ctx, orgID, user.ID)
	if err != nil {
		return false, err
	}
	return role != nil, nil
}

// IsAdministrator reports whether the user administers a project: superusers,
// admins of the owning organization, and project managers qualify.
func (a *AccessService) IsAdministrator(ctx context.Context, user *models.User, project *models.Project) (bool, error) {
	if user == nil {
		return false, nil
	}
	if user.IsSuperuser {
		return true, nil
	}

	orgRole, err := a.OrgRole(ctx, project.OrganizationID, user.ID)
	if err != nil {
		return false, err
	}
	if orgRole != nil && orgRole.Admin {
		return true, nil
	}

	prjRole, err := a.ProjectRole(ctx, project.ID, user.ID)
	if err != nil {
		return false, err
	}
	return prjRole != nil && prjRole.Role == models.ProjectRoleManager, nil
}

// CanViewOrganization checks a single organization against the visibility
// rules used by FilteredOrganizations.
func (a *AccessService) CanViewOrganization(ctx context.Context, user *models.User, org *models.Organization) (bool, error) {
	if org.Access == models.AccessPublic && !org.Archived {
		return true, nil
	}
	if user == nil {
		return false, nil
	}
	if user.IsSuperuser {
		return true, nil
	}

	role, err := a.OrgRole(ctx, org.ID, user.ID)
	if err != nil {
		return false, err
	}
	if role == nil {
		return false, nil
	}
	if org.Archived {
		return role.Admin, nil
	}
	return true, nil
}

// FilteredOrganizations lists one page of the organizations the user may
// see: public active ones for everybody, the user's own private
// organizations while active, and archived organizations only for their
// admins. The returned total counts the whole visible set, not the page.
func (a *AccessService) FilteredOrganizations(ctx context.Context, user *models.User, p utils.PaginationParams) ([]models.Organization, int64, error) {
	query := a.DB.WithContext(ctx).Model(&models.Organization{})

	switch {
	case user != nil && user.IsSuperuser:
		// superusers see the full table
	case user == nil:
		query = query.Where("access = ? AND archived = ?", models.AccessPublic, false)
	default:
		var roles []models.OrganizationRole
		if err := a.DB.WithContext(ctx).Find(&roles, "user_id = ?", user.ID).Error; err != nil {
			return nil, 0, err
		}

		memberIDs := make([]uuid.UUID, 0, len(roles))
		adminIDs := make([]uuid.UUID, 0, len(roles))
		for _, role := range roles {
			memberIDs = append(memberIDs, role.OrganizationID)
			if role.Admin {
				adminIDs = append(adminIDs, role.OrganizationID)
			}
		}

		query = query.Where("access = ? AND archived = ?", models.AccessPublic, false)
		if len(memberIDs) > 0 {
			query = query.Or("id IN ? AND archived = ?", memberIDs, false)
		}
		if len(adminIDs) > 0 {
			query = query.Or("id IN ?", adminIDs)
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orgs []models.Organization
	err := utils.ApplyPagination(query.Order("slug"), p).Find(&orgs).Error
	return orgs, total, err
}

// CanViewProject checks a single project against the visibility rules used
// by FilteredProjects.
func (a *AccessService) CanViewProject(ctx context.Context, user *models.User, project *models.Project) (bool, error) {
	if project.Access == models.AccessPublic && !project.Archived {
		return true, nil
	}
	if user == nil {
		return false, nil
	}
	if user.IsSuperuser {
		return true, nil
	}

	orgRole, err := a.OrgRole(ctx, project.OrganizationID, user.ID)
	if err != nil {
		return false, err
	}
	if orgRole != nil && orgRole.Admin {
		return true, nil
	}

	prjRole, err := a.ProjectRole(ctx, project.ID, user.ID)
	if err != nil {
		return false, err
	}

	if project.Archived {
		// archived projects are only visible to managers and org admins
		return prjRole != nil && prjRole.Role == models.ProjectRoleManager, nil
	}

	if orgRole != nil {
		return true, nil
	}
	return prjRole != nil, nil
}

// FilteredProjects lists one page of the projects the user may see. Pass
// uuid.Nil as orgID to search globally, or an organization ID to scope the
// listing. The returned total counts the whole visible set, not the page.
func (a *AccessService) FilteredProjects(ctx context.Context, user *models.User, orgID uuid.UUID, p utils.PaginationParams) ([]models.Project, int64, error) {
	query := a.DB.WithContext(ctx).Model(&models.Project{})
	if orgID != uuid.Nil {
		query = query.Where("organization_id = ?", orgID)
	}

	switch {
	case user != nil && user.IsSuperuser:
		// superusers see the full table
	case user == nil:
		query = query.Where("access = ? AND archived = ?", models.AccessPublic, false)
	default:
		var orgRoles []models.OrganizationRole
		if err := a.DB.WithContext(ctx).Find(&orgRoles, "user_id = ?", user.ID).Error; err != nil {
			return nil, 0, err
		}
		var prjRoles []models.ProjectRole
		if err := a.DB.WithContext(ctx).Find(&prjRoles, "user_id = ?", user.ID).Error; err != nil {
			return nil, 0, err
		}

		memberOrgIDs := make([]uuid.UUID, 0, len(orgRoles))
		adminOrgIDs := make([]uuid.UUID, 0, len(orgRoles))
		for _, role := range orgRoles {
			memberOrgIDs = append(memberOrgIDs, role.OrganizationID)
			if role.Admin {
				adminOrgIDs = append(adminOrgIDs, role.OrganizationID)
			}
		}

		memberPrjIDs := make([]uuid.UUID, 0, len(prjRoles))
		managerPrjIDs := make([]uuid.UUID, 0, len(prjRoles))
		for _, role := range prjRoles {
			memberPrjIDs = append(memberPrjIDs, role.ProjectID)
			if role.Role == models.ProjectRoleManager {
				managerPrjIDs = append(managerPrjIDs, role.ProjectID)
			}
		}

		query = query.Where("access = ? AND archived = ?", models.AccessPublic, false)
		if len(memberOrgIDs) > 0 {
			query = query.Or("organization_id IN ? AND archived = ?", memberOrgIDs, false)
		}
		if len(adminOrgIDs) > 0 {
			query = query.Or("organization_id IN ?", adminOrgIDs)
		}
		if len(memberPrjIDs) > 0 {
			query = query.Or("id IN ? AND archived = ?", memberPrjIDs, false)
		}
		if len(managerPrjIDs) > 0 {
			query = query.Or("id IN ?", managerPrjIDs)
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var projects []models.Project
	err := utils.ApplyPagination(query.Order("slug"), p).Find(&projects).Error
	return projects, total, err
}
