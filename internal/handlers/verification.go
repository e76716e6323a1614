package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/terrabase/backend/internal/models"
	"github.com/terrabase/backend/internal/services"
	"github.com/terrabase/backend/pkg/logger"
	"github.com/terrabase/backend/pkg/utils"
	"gorm.io/gorm"
)

// Stable error codes for failures clients handle programmatically, on top of
// the human-readable messages.
const (
	codeDeviceNotFound = "verification_not_found"
	codeTokenExpired   = "token_expired"
	codeTokenInvalid   = "token_invalid"
	codePhoneInUse     = "phone_in_use"
)

// VerificationHandler exposes the token verification flows: phone
// confirmation, token resend, password reset, and email confirmation.
type VerificationHandler struct {
	DB           *gorm.DB
	Verification *services.VerificationService
	Notifier     services.Notifier
	Audit        *services.AuditService
}

func NewVerificationHandler(db *gorm.DB, verification *services.VerificationService, notifier services.Notifier, audit *services.AuditService) *VerificationHandler {
	return &VerificationHandler{DB: db, Verification: verification, Notifier: notifier, Audit: audit}
}

type verifyPhoneRequest struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

func (h *VerificationHandler) VerifyPhone(c *fiber.Ctx) error {
	var req verifyPhoneRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	req.Token = strings.TrimSpace(req.Token)

	if req.Username == "" || req.Token == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username and token are required")
	}

	var user models.User
	if err := h.DB.First(&user, "username = ?", req.Username).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	err := h.Verification.ConfirmPhone(c.Context(), &user, req.Token)
	switch {
	case errors.Is(err, services.ErrDeviceNotFound):
		return utils.ErrorCode(c, fiber.StatusNotFound, codeDeviceNotFound, "no verification pending for this account")
	case errors.Is(err, services.ErrTokenExpired):
		return utils.ErrorCode(c, fiber.StatusBadRequest, codeTokenExpired, "the token has expired, please request a new one")
	case errors.Is(err, services.ErrTokenInvalid):
		return utils.ErrorCode(c, fiber.StatusBadRequest, codeTokenInvalid, "invalid token")
	case err != nil:
		return utils.Error(c, fiber.StatusInternalServerError, "failed verifying token")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.phone_verified",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "phone verified"})
}

type resendTokenRequest struct {
	Phone string `json:"phone"`
}

func (h *VerificationHandler) ResendToken(c *fiber.Ctx) error {
	var req resendTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Phone = strings.TrimSpace(req.Phone)

	if !utils.ValidPhone(req.Phone) {
		return utils.Error(c, fiber.StatusBadRequest, utils.PhoneFormatMessage)
	}

	err := h.Verification.ResendToken(c.Context(), req.Phone)
	if err != nil && !errors.Is(err, services.ErrDeviceNotFound) {
		return utils.Error(c, fiber.StatusInternalServerError, "failed resending token")
	}
	if errors.Is(err, services.ErrDeviceNotFound) {
		// do not reveal whether a verification is pending for this number
		logger.Warn("resend_token_no_device", map[string]interface{}{
			"ip": c.IP(),
		})
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"message": "if a verification is pending, a new token has been sent",
	})
}

type passwordResetRequest struct {
	Phone string `json:"phone"`
}

func (h *VerificationHandler) RequestPasswordReset(c *fiber.Ctx) error {
	var req passwordResetRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Phone = strings.TrimSpace(req.Phone)

	if !utils.ValidPhone(req.Phone) {
		return utils.Error(c, fiber.StatusBadRequest, utils.PhoneFormatMessage)
	}

	err := h.Verification.RequestPasswordReset(c.Context(), req.Phone)
	if err != nil && !errors.Is(err, services.ErrUserNotFound) {
		return utils.Error(c, fiber.StatusInternalServerError, "failed requesting password reset")
	}
	if errors.Is(err, services.ErrUserNotFound) {
		logger.Warn("password_reset_unknown_phone", map[string]interface{}{
			"ip": c.IP(),
		})
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"message": "if the phone number is registered, a reset token has been sent",
	})
}

type passwordResetConfirmRequest struct {
	Phone       string `json:"phone"`
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *VerificationHandler) ConfirmPasswordReset(c *fiber.Ctx) error {
	var req passwordResetConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Phone = strings.TrimSpace(req.Phone)
	req.Token = strings.TrimSpace(req.Token)

	if req.Phone == "" || req.Token == "" {
		return utils.Error(c, fiber.StatusBadRequest, "phone and token are required")
	}

	user, err := h.Verification.ConfirmPasswordReset(c.Context(), req.Phone, req.Token)
	switch {
	case errors.Is(err, services.ErrUserNotFound), errors.Is(err, services.ErrDeviceNotFound):
		return utils.ErrorCode(c, fiber.StatusNotFound, codeDeviceNotFound, "no password reset pending for this phone number")
	case errors.Is(err, services.ErrTokenExpired):
		return utils.ErrorCode(c, fiber.StatusBadRequest, codeTokenExpired, "the token has expired, please request a new one")
	case errors.Is(err, services.ErrTokenInvalid):
		return utils.ErrorCode(c, fiber.StatusBadRequest, codeTokenInvalid, "invalid token")
	case err != nil:
		return utils.Error(c, fiber.StatusInternalServerError, "failed verifying token")
	}

	email := ""
	if user.Email != nil {
		email = *user.Email
	}
	if err := utils.ValidatePassword(req.NewPassword, user.Username, email, req.Phone); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, err.Error())
	}

	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed hashing password")
	}
	if err := h.DB.Model(&models.User{}).Where("id = ?", user.ID).Update("password_hash", hash).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating password")
	}

	_ = h.Notifier.SendSMS(c.Context(), req.Phone, services.MsgPasswordChanged)

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.password_reset",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "password updated"})
}

type confirmEmailRequest struct {
	Token string `json:"token"`
}

func (h *VerificationHandler) ConfirmEmail(c *fiber.Ctx) error {
	var req confirmEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	claims, err := utils.ValidateEmailToken(strings.TrimSpace(req.Token))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid or expired confirmation token")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", claims.UserID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	if user.Email == nil || *user.Email != claims.Email {
		// token was issued for an address the account no longer holds
		return utils.Error(c, fiber.StatusBadRequest, "invalid or expired confirmation token")
	}

	updates := map[string]interface{}{
		"email_verified": true,
		"is_active":      true,
	}
	if err := h.DB.Model(&models.User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed confirming email")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.email_verified",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "email verified"})
}
