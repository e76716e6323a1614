package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/terrabase/backend/internal/middleware"
	"github.com/terrabase/backend/internal/models"
	"github.com/terrabase/backend/internal/services"
	"github.com/terrabase/backend/pkg/utils"
	"gorm.io/gorm"
)

// UsersHandler exposes the platform administration endpoints. All routes are
// guarded by middleware.SuperuserOnly.
type UsersHandler struct {
	DB    *gorm.DB
	Audit *services.AuditService
}

func NewUsersHandler(db *gorm.DB, audit *services.AuditService) *UsersHandler {
	return &UsersHandler{DB: db, Audit: audit}
}

func (h *UsersHandler) List(c *fiber.Ctx) error {
	pagination := utils.ParsePagination(c)

	query := h.DB.Model(&models.User{})
	if search := strings.TrimSpace(c.Query("search")); search != "" {
		pattern := "%" + strings.ToLower(search) + "%"
		query = query.Where("username LIKE ? OR LOWER(full_name) LIKE ?", pattern, pattern)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed counting users")
	}

	var users []models.User
	if err := utils.ApplyPagination(query.Order("username"), pagination).Find(&users).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing users")
	}

	return utils.Paginated(c, users, pagination, total)
}

func (h *UsersHandler) Get(c *fiber.Ctx) error {
	userID, err := parseUUID(c.Params("userID"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	var user models.User
	if err := h.DB.Preload("OrganizationRoles").Preload("ProjectRoles").
		First(&user, "id = ?", userID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	return utils.Success(c, fiber.StatusOK, user)
}

type adminUpdateUserRequest struct {
	IsActive    *bool `json:"is_active"`
	IsSuperuser *bool `json:"is_superuser"`
}

func (h *UsersHandler) Update(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	userID, err := parseUUID(c.Params("userID"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	var req adminUpdateUserRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	updates := map[string]interface{}{}
	if req.IsActive != nil {
		if userID == currentUser.ID && !*req.IsActive {
			return utils.Error(c, fiber.StatusBadRequest, "you cannot deactivate your own account")
		}
		updates["is_active"] = *req.IsActive
	}
	if req.IsSuperuser != nil {
		if userID == currentUser.ID && !*req.IsSuperuser {
			return utils.Error(c, fiber.StatusBadRequest, "you cannot revoke your own superuser role")
		}
		updates["is_superuser"] = *req.IsSuperuser
	}

	if len(updates) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "no valid fields to update")
	}

	if err := h.DB.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating user")
	}

	var updated models.User
	if err := h.DB.First(&updated, "id = ?", userID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed fetching updated user")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "user.admin_update",
		ResourceType: "user",
		ResourceID:   &userID,
		Details: map[string]interface{}{
			"updates": updates,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, updated)
}
