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

type OrganizationsHandler struct {
	DB     *gorm.DB
	Access *services.AccessService
	Audit  *services.AuditService
}

func NewOrganizationsHandler(db *gorm.DB, access *services.AccessService, audit *services.AuditService) *OrganizationsHandler {
	return &OrganizationsHandler{DB: db, Access: access, Audit: audit}
}

// loadVisible fetches an organization by slug and enforces the visibility
// rules, returning fiber-ready errors.
func (h *OrganizationsHandler) loadVisible(c *fiber.Ctx, slug string) (*models.Organization, error) {
	var org models.Organization
	if err := h.DB.First(&org, "slug = ?", slug).Error; err != nil {
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
		// hidden organizations look like they do not exist
		return nil, utils.Error(c, fiber.StatusNotFound, "organization not found")
	}
	return &org, nil
}

func (h *OrganizationsHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	pagination := utils.ParsePagination(c)

	orgs, total, err := h.Access.FilteredOrganizations(c.Context(), user, pagination)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing organizations")
	}
	return utils.Paginated(c, orgs, pagination, total)
}

func (h *OrganizationsHandler) Get(c *fiber.Ctx) error {
	org, err := h.loadVisible(c, c.Params("slug"))
	if err != nil {
		return err
	}
	return utils.Success(c, fiber.StatusOK, org)
}

type createOrganizationRequest struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Access      string `json:"access"`
}

func (h *OrganizationsHandler) Create(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req createOrganizationRequest
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

	var existing models.Organization
	if err := h.DB.First(&existing, "slug = ?", req.Slug).Error; err == nil {
		return utils.Error(c, fiber.StatusConflict, "organization with this slug already exists")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking slug")
	}

	org := models.Organization{
		Slug:   req.Slug,
		Name:   req.Name,
		Access: access,
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		org.Description = &desc
	}

	// the creator becomes the first admin
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&org).Error; err != nil {
			return err
		}
		role := models.OrganizationRole{
			OrganizationID: org.ID,
			UserID:         currentUser.ID,
			Admin:          true,
		}
		return tx.Create(&role).Error
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed creating organization")
	}

	logger.InfoWithUser(currentUser.ID.String(), "organization_created", map[string]interface{}{
		"organization_id": org.ID.String(),
		"slug":            org.Slug,
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "organization.create",
		ResourceType: "organization",
		ResourceID:   &org.ID,
		Details: map[string]interface{}{
			"slug": org.Slug,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, org)
}

type updateOrganizationRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Access      *string `json:"access"`
	Archived    *bool   `json:"archived"`
}

func (h *OrganizationsHandler) Update(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	org, err := h.loadVisible(c, c.Params("slug"))
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

	var req updateOrganizationRequest
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

	if err := h.DB.Model(&models.Organization{}).Where("id = ?", org.ID).Updates(updates).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating organization")
	}

	var updated models.Organization
	if err := h.DB.First(&updated, "id = ?", org.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed fetching updated organization")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "organization.update",
		ResourceType: "organization",
		ResourceID:   &org.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, updated)
}

// Archive retires an organization instead of deleting it. Archived
// organizations stay visible to their admins only.
func (h *OrganizationsHandler) Archive(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	org, err := h.loadVisible(c, c.Params("slug"))
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

	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Organization{}).Where("id = ?", org.ID).
			Update("archived", true).Error; err != nil {
			return err
		}
		return tx.Model(&models.Project{}).Where("organization_id = ?", org.ID).
			Update("archived", true).Error
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed archiving organization")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "organization.archive",
		ResourceType: "organization",
		ResourceID:   &org.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "organization archived"})
}

func (h *OrganizationsHandler) ListMembers(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)

	org, err := h.loadVisible(c, c.Params("slug"))
	if err != nil {
		return err
	}

	member, err := h.Access.IsOrgMember(c.Context(), currentUser, org.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking access")
	}
	if !member {
		return utils.Error(c, fiber.StatusForbidden, "organization membership required")
	}

	var roles []models.OrganizationRole
	if err := h.DB.Preload("User").Find(&roles, "organization_id = ?", org.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing members")
	}

	return utils.Success(c, fiber.StatusOK, roles)
}

type addMemberRequest struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

func (h *OrganizationsHandler) AddMember(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	org, err := h.loadVisible(c, c.Params("slug"))
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

	var req addMemberRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	if req.Username == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username is required")
	}

	var user models.User
	if err := h.DB.First(&user, "username = ?", req.Username).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	var existing models.OrganizationRole
	if err := h.DB.First(&existing, "organization_id = ? AND user_id = ?", org.ID, user.ID).Error; err == nil {
		return utils.Error(c, fiber.StatusConflict, "user is already a member")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking membership")
	}

	role := models.OrganizationRole{
		OrganizationID: org.ID,
		UserID:         user.ID,
		Admin:          req.Admin,
	}
	if err := h.DB.Create(&role).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed adding member")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "organization.member_add",
		ResourceType: "organization",
		ResourceID:   &org.ID,
		Details: map[string]interface{}{
			"member": user.Username,
			"admin":  req.Admin,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, role)
}

type updateMemberRequest struct {
	Admin bool `json:"admin"`
}

func (h *OrganizationsHandler) UpdateMember(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	org, err := h.loadVisible(c, c.Params("slug"))
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

	memberID, err := parseUUID(c.Params("userID"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	var req updateMemberRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	// an admin cannot strip their own admin bit, or an org could end up
	// without any admin at all
	if memberID == currentUser.ID && !req.Admin {
		return utils.Error(c, fiber.StatusBadRequest, "you cannot remove your own admin role")
	}

	var role models.OrganizationRole
	if err := h.DB.First(&role, "organization_id = ? AND user_id = ?", org.ID, memberID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "membership not found")
	}

	if err := h.DB.Model(&role).Update("admin", req.Admin).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating member")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "organization.member_update",
		ResourceType: "organization",
		ResourceID:   &org.ID,
		Details: map[string]interface{}{
			"member_id": memberID.String(),
			"admin":     req.Admin,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, role)
}

func (h *OrganizationsHandler) RemoveMember(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	org, err := h.loadVisible(c, c.Params("slug"))
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

	memberID, err := parseUUID(c.Params("userID"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}
	if memberID == currentUser.ID {
		return utils.Error(c, fiber.StatusBadRequest, "you cannot remove yourself from the organization")
	}

	var role models.OrganizationRole
	if err := h.DB.First(&role, "organization_id = ? AND user_id = ?", org.ID, memberID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "membership not found")
	}

	// removing an org member also removes their roles in the org's projects
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		var projectIDs []uuid.UUID
		if err := tx.Model(&models.Project{}).Where("organization_id = ?", org.ID).
			Pluck("id", &projectIDs).Error; err != nil {
			return err
		}
		if len(projectIDs) > 0 {
			if err := tx.Where("project_id IN ? AND user_id = ?", projectIDs, memberID).
				Delete(&models.ProjectRole{}).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&role).Error
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed removing member")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "organization.member_remove",
		ResourceType: "organization",
		ResourceID:   &org.ID,
		Details: map[string]interface{}{
			"member_id": memberID.String(),
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "member removed"})
}
