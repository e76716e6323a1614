package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/terrabase/backend/internal/middleware"
	"github.com/terrabase/backend/internal/models"
	"github.com/terrabase/backend/internal/services"
	"github.com/terrabase/backend/pkg/logger"
	"github.com/terrabase/backend/pkg/utils"
	"gorm.io/gorm"
)

type ProjectsHandler struct {
	DB     *gorm.DB
	Access *services.AccessService
	Audit  *services.AuditService
}

func NewProjectsHandler(db *gorm.DB, access *services.AccessService, audit *services.AuditService) *ProjectsHandler {
	return &ProjectsHandler{DB: db, Access: access, Audit: audit}
}

func (h *ProjectsHandler) loadOrg(c *fiber.Ctx) (*models.Organization, error) {
	var org models.Organization
	if err := h.DB.First(&org, "slug = ?", c.Params("slug")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.Error(c, fiber.StatusNotFound, "organization not found")
		}
		return nil, utils.Error(c, fiber.StatusInternalServerError, "failed loading organization")
	}

	user := middleware.GetCurrentUser(c)
	visible, err := h.Access.CanViewOrganization(c.Context(), user, &org)
	if err != nil {
		return nil, utils.Error(c, fiber.StatusInternalServerError, "failed checking access")
	}
	if !visible {
		return nil, utils.Error(c, fiber.StatusNotFound, "organization not found")
	}
	return &org, nil
}

func (h *ProjectsHandler) loadVisible(c *fiber.Ctx) (*models.Organization, *models.Project, error) {
	org, err := h.loadOrg(c)
	if err != nil {
		return nil, nil, err
	}

	var project models.Project
	if err := h.DB.First(&project, "organization_id = ? AND slug = ?", org.ID, c.Params("projectSlug")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, utils.Error(c, fiber.StatusNotFound, "project not found")
		}
		return nil, nil, utils.Error(c, fiber.StatusInternalServerError, "failed loading project")
	}

	user := middleware.GetCurrentUser(c)
	visible, err := h.Access.CanViewProject(c.Context(), user, &project)
	if err != nil {
		return nil, nil, utils.Error(c, fiber.StatusInternalServerError, "failed checking access")
	}
	if !visible {
		return nil, nil, utils.Error(c, fiber.StatusNotFound, "project not found")
	}
	return org, &project, nil
}

// ListAll lists projects across all organizations the user may see.
func (h *ProjectsHandler) ListAll(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	pagination := utils.ParsePagination(c)

	projects, total, err := h.Access.FilteredProjects(c.Context(), user, uuid.Nil, pagination)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing projects")
	}
	return utils.Paginated(c, projects, pagination, total)
}

func (h *ProjectsHandler) List(c *fiber.Ctx) error {
	org, err := h.loadOrg(c)
	if err != nil {
		return err
	}

	user := middleware.GetCurrentUser(c)
	pagination := utils.ParsePagination(c)

	projects, total, err := h.Access.FilteredProjects(c.Context(), user, org.ID, pagination)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing projects")
	}
	return utils.Paginated(c, projects, pagination, total)
}

func (h *ProjectsHandler) Get(c *fiber.Ctx) error {
	_, project, err := h.loadVisible(c)
	if err != nil {
		return err
	}
	return utils.Success(c, fiber.StatusOK, project)
}

type createProjectRequest struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Access      string `json:"access"`
}

func (h *ProjectsHandler) Create(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	org, err := h.loadOrg(c)
	if err != nil {
		return err
	}

	admin, err := h.Access.IsOrgAdmin(c.Context(), currentUser, org.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking access")
	}
	if !admin {
		return utils.Error(c, fiber.StatusForbidden, "organization admin access required")
	}

	var req createProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Slug = strings.ToLower(strings.TrimSpace(req.Slug))
	req.Name = strings.TrimSpace(req.Name)

	if !isValidSlug(req.Slug) {
		return utils.Error(c, fiber.StatusBadRequest, "slug must contain only lowercase letters, digits and hyphens")
	}
	if req.Name == "" {
		return utils.Error(c, fiber.StatusBadRequest, "name is required")
	}

	access := models.AccessPublic
	if req.Access != "" {
		access = models.AccessLevel(req.Access)
		if access != models.AccessPublic && access != models.AccessPrivate {
			return utils.Error(c, fiber.StatusBadRequest, "access must be 'public' or 'private'")
		}
	}

	var existing models.Project
	if err := h.DB.First(&existing, "organization_id = ? AND slug = ?", org.ID, req.Slug).Error; err == nil {
		return utils.Error(c, fiber.StatusConflict, "project with this slug already exists in the organization")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking slug")
	}

	project := models.Project{
		OrganizationID: org.ID,
		Slug:           req.Slug,
		Name:           req.Name,
		Access:         access,
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		project.Description = &desc
	}

	// the creator manages the project they create
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&project).Error; err != nil {
			return err
		}
		role := models.ProjectRole{
			ProjectID: project.ID,
			UserID:    currentUser.ID,
			Role:      models.ProjectRoleManager,
		}
		return tx.Create(&role).Error
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed creating project")
	}

	logger.InfoWithUser(currentUser.ID.String(), "project_created", map[string]interface{}{
		"project_id":      project.ID.String(),
		"organization_id": org.ID.String(),
		"slug":            project.Slug,
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "project.create",
		ResourceType: "project",
		ResourceID:   &project.ID,
		Details: map[string]interface{}{
			"slug":         project.Slug,
			"organization": org.Slug,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, project)
}

type updateProjectRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Access      *string `json:"access"`
	Archived    *bool   `json:"archived"`
}

func (h *ProjectsHandler) Update(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	_, project, err := h.loadVisible(c)
	if err != nil {
		return err
	}

	admin, err := h.Access.IsAdministrator(c.Context(), currentUser, project)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking access")
	}
	if !admin {
		return utils.Error(c, fiber.StatusForbidden, "project administrator access required")
	}

	var req updateProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return utils.Error(c, fiber.StatusBadRequest, "name cannot be empty")
		}
		updates["name"] = name
	}
	if req.Description != nil {
		updates["description"] = strings.TrimSpace(*req.Description)
	}
	if req.Access != nil {
		access := models.AccessLevel(*req.Access)
		if access != models.AccessPublic && access != models.AccessPrivate {
			return utils.Error(c, fiber.StatusBadRequest, "access must be 'public' or 'private'")
		}
		updates["access"] = access
	}
	if req.Archived != nil {
		updates["archived"] = *req.Archived
	}

	if len(updates) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "no valid fields to update")
	}

	if err := h.DB.Model(&models.Project{}).Where("id = ?", project.ID).Updates(updates).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating project")
	}

	var updated models.Project
	if err := h.DB.First(&updated, "id = ?", project.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed fetching updated project")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "project.update",
		ResourceType: "project",
		ResourceID:   &project.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, updated)
}

func (h *ProjectsHandler) ListMembers(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)

	_, project, err := h.loadVisible(c)
	if err != nil {
		return err
	}

	member, err := h.Access.IsOrgMember(c.Context(), currentUser, project.OrganizationID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking access")
	}
	if !member {
		return utils.Error(c, fiber.StatusForbidden, "organization membership required")
	}

	var roles []models.ProjectRole
	if err := h.DB.Preload("User").Find(&roles, "project_id = ?", project.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing members")
	}

	return utils.Success(c, fiber.StatusOK, roles)
}

type addProjectMemberRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (h *ProjectsHandler) AddMember(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	org, project, err := h.loadVisible(c)
	if err != nil {
		return err
	}

	admin, err := h.Access.IsAdministrator(c.Context(), currentUser, project)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking access")
	}
	if !admin {
		return utils.Error(c, fiber.StatusForbidden, "project administrator access required")
	}

	var req addProjectMemberRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))

	role := models.ProjectRoleName(req.Role)
	if req.Role == "" {
		role = models.ProjectRoleUser
	}
	if !models.ValidProjectRole(role) {
		return utils.Error(c, fiber.StatusBadRequest, "invalid project role")
	}

	var user models.User
	if err := h.DB.First(&user, "username = ?", req.Username).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	// project members must belong to the owning organization
	var orgRole models.OrganizationRole
	if err := h.DB.First(&orgRole, "organization_id = ? AND user_id = ?", org.ID, user.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "user is not a member of the organization")
	}

	var existing models.ProjectRole
	if err := h.DB.First(&existing, "project_id = ? AND user_id = ?", project.ID, user.ID).Error; err == nil {
		return utils.Error(c, fiber.StatusConflict, "user is already a member")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking membership")
	}

	membership := models.ProjectRole{
		ProjectID: project.ID,
		UserID:    user.ID,
		Role:      role,
	}
	if err := h.DB.Create(&membership).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed adding member")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "project.member_add",
		ResourceType: "project",
		ResourceID:   &project.ID,
		Details: map[string]interface{}{
			"member": user.Username,
			"role":   string(role),
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, membership)
}

type updateProjectMemberRequest struct {
	Role string `json:"role"`
}

func (h *ProjectsHandler) UpdateMember(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	_, project, err := h.loadVisible(c)
	if err != nil {
		return err
	}

	admin, err := h.Access.IsAdministrator(c.Context(), currentUser, project)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking access")
	}
	if !admin {
		return utils.Error(c, fiber.StatusForbidden, "project administrator access required")
	}

	memberID, err := parseUUID(c.Params("userID"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	var req updateProjectMemberRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	role := models.ProjectRoleName(req.Role)
	if !models.ValidProjectRole(role) {
		return utils.Error(c, fiber.StatusBadRequest, "invalid project role")
	}

	var membership models.ProjectRole
	if err := h.DB.First(&membership, "project_id = ? AND user_id = ?", project.ID, memberID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "membership not found")
	}

	if err := h.DB.Model(&membership).Update("role", role).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating member")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "project.member_update",
		ResourceType: "project",
		ResourceID:   &project.ID,
		Details: map[string]interface{}{
			"member_id": memberID.String(),
			"role":      string(role),
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, membership)
}

func (h *ProjectsHandler) RemoveMember(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	_, project, err := h.loadVisible(c)
	if err != nil {
		return err
	}

	admin, err := h.Access.IsAdministrator(c.Context(), currentUser, project)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking access")
	}
	if !admin {
		return utils.Error(c, fiber.StatusForbidden, "project administrator access required")
	}

	memberID, err := parseUUID(c.Params("userID"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	var membership models.ProjectRole
	if err := h.DB.First(&membership, "project_id = ? AND user_id = ?", project.ID, memberID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "membership not found")
	}

	if err := h.DB.Delete(&membership).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed removing member")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "project.member_remove",
		ResourceType: "project",
		ResourceID:   &project.ID,
		Details: map[string]interface{}{
			"member_id": memberID.String(),
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "member removed"})
}
