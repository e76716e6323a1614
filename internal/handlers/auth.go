package handlers

import (
	"errors"
	"net/mail"
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

type AuthHandler struct {
	DB           *gorm.DB
	Verification *services.VerificationService
	Notifier     services.Notifier
	Audit        *services.AuditService
}

func NewAuthHandler(db *gorm.DB, verification *services.VerificationService, notifier services.Notifier, audit *services.AuditService) *AuthHandler {
	return &AuthHandler{DB: db, Verification: verification, Notifier: notifier, Audit: audit}
}

type registerRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Password    string `json:"password"`
	FullName    string `json:"full_name"`
	Language    string `json:"language"`
	Measurement string `json:"measurement"`
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Phone = strings.TrimSpace(req.Phone)
	req.FullName = strings.TrimSpace(req.FullName)

	if req.Username == "" || len(req.Username) > 30 {
		return utils.Error(c, fiber.StatusBadRequest, "username must be between 1 and 30 characters")
	}
	if reservedUsernames[req.Username] {
		return utils.Error(c, fiber.StatusBadRequest, "username cannot be 'add' or 'new'")
	}
	if req.Email == "" && req.Phone == "" {
		return utils.Error(c, fiber.StatusBadRequest, "you cannot leave both phone and email empty")
	}
	if req.Email != "" {
		if _, err := mail.ParseAddress(req.Email); err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "invalid email")
		}
	}
	if req.Phone != "" && !utils.ValidPhone(req.Phone) {
		return utils.Error(c, fiber.StatusBadRequest, utils.PhoneFormatMessage)
	}
	if err := utils.ValidatePassword(req.Password, req.Username, req.Email, req.Phone); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, err.Error())
	}

	var existing models.User
	if err := h.DB.First(&existing, "username = ?", req.Username).Error; err == nil {
		return utils.Error(c, fiber.StatusConflict, "username already taken")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking existing user")
	}
	if req.Email != "" {
		if err := h.DB.First(&existing, "email = ?", req.Email).Error; err == nil {
			return utils.Error(c, fiber.StatusConflict, "user with this email already exists")
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.Error(c, fiber.StatusInternalServerError, "failed checking existing user")
		}
	}
	if req.Phone != "" {
		taken, err := h.Verification.PhoneTaken(c.Context(), req.Phone, uuid.Nil)
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed checking existing phone")
		}
		if taken {
			return utils.ErrorCode(c, fiber.StatusConflict, codePhoneInUse, "user with this phone number already exists")
		}
	}

	passwordHash, err := utils.HashPassword(req.Password)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to hash password")
	}

	user := models.User{
		Username:     req.Username,
		PasswordHash: passwordHash,
		FullName:     req.FullName,
	}
	if req.Email != "" {
		user.Email = &req.Email
	}
	if req.Language != "" {
		user.Language = req.Language
	}
	if req.Measurement != "" {
		user.Measurement = req.Measurement
	}

	if err := h.DB.Create(&user).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed creating user")
	}

	if req.Phone != "" {
		device, err := h.Verification.CreateDevice(c.Context(), user.ID, req.Phone, models.DeviceLabelPhoneVerify)
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed starting phone verification")
		}
		if _, err := h.Verification.GenerateChallenge(c.Context(), device); err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed sending verification token")
		}
	}
	if req.Email != "" {
		if err := h.sendEmailConfirmation(c, &user, req.Email); err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed sending confirmation email")
		}
	}

	logger.Info("user_registered", map[string]interface{}{
		"user_id":  user.ID.String(),
		"username": user.Username,
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.register",
		ResourceType: "user",
		ResourceID:   &user.ID,
		Details: map[string]interface{}{
			"username": user.Username,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, user)
}

func (h *AuthHandler) sendEmailConfirmation(c *fiber.Ctx, user *models.User, email string) error {
	token, err := utils.GenerateEmailToken(user.ID, email)
	if err != nil {
		return err
	}
	body := "Confirm your Terrabase email address with this token: " + token
	return h.Notifier.SendEmail(c.Context(), email, "Confirm your email address", body)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))

	if req.Username == "" || req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username and password are required")
	}

	var user models.User
	if err := h.DB.First(&user, "username = ?", req.Username).Error; err != nil {
		logger.Warn("login_failed_user_not_found", map[string]interface{}{
			"username": req.Username,
			"ip":       c.IP(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	if !utils.CheckPassword(req.Password, user.PasswordHash) {
		logger.Warn("login_failed_invalid_password", map[string]interface{}{
			"user_id": user.ID.String(),
			"ip":      c.IP(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	if !user.Verified() {
		return utils.Error(c, fiber.StatusUnauthorized, "the account is not verified")
	}
	if !user.IsActive {
		return utils.Error(c, fiber.StatusUnauthorized, "the account is inactive")
	}

	logger.Info("user_login", map[string]interface{}{
		"user_id":  user.ID.String(),
		"username": user.Username,
		"ip":       c.IP(),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.login",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	token, err := utils.GenerateToken(user.ID, user.Username, user.IsSuperuser)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"token": token, "user": user})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	return utils.Success(c, fiber.StatusOK, user)
}

type updateMeRequest struct {
	Username    *string `json:"username"`
	FullName    *string `json:"full_name"`
	Language    *string `json:"language"`
	Measurement *string `json:"measurement"`
	Email       *string `json:"email"`
	Phone       *string `json:"phone"`
}

func (h *AuthHandler) UpdateMe(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req updateMeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	updates := map[string]interface{}{}

	if req.Username != nil {
		username := strings.ToLower(strings.TrimSpace(*req.Username))
		if username != currentUser.Username {
			if username == "" || len(username) > 30 {
				return utils.Error(c, fiber.StatusBadRequest, "username must be between 1 and 30 characters")
			}
			if reservedUsernames[username] {
				return utils.Error(c, fiber.StatusBadRequest, "username cannot be 'add' or 'new'")
			}
			var existing models.User
			if err := h.DB.First(&existing, "username = ? AND id <> ?", username, currentUser.ID).Error; err == nil {
				return utils.Error(c, fiber.StatusConflict, "username already taken")
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.Error(c, fiber.StatusInternalServerError, "failed checking username")
			}
			updates["username"] = username
		}
	}
	if req.FullName != nil {
		updates["full_name"] = strings.TrimSpace(*req.FullName)
	}
	if req.Language != nil && *req.Language != "" {
		updates["language"] = *req.Language
	}
	if req.Measurement != nil && *req.Measurement != "" {
		updates["measurement"] = *req.Measurement
	}

	if req.Email != nil {
		if err := h.applyEmailChange(c, currentUser, strings.ToLower(strings.TrimSpace(*req.Email)), updates); err != nil {
			return err
		}
	}

	if len(updates) > 0 {
		if err := h.DB.Model(&models.User{}).Where("id = ?", currentUser.ID).Updates(updates).Error; err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed updating user")
		}
	}

	if req.Phone != nil {
		newPhone := strings.TrimSpace(*req.Phone)
		if newPhone != "" && !utils.ValidPhone(newPhone) {
			return utils.Error(c, fiber.StatusBadRequest, utils.PhoneFormatMessage)
		}
		if newPhone == "" && currentUser.Email == nil && req.Email == nil {
			return utils.Error(c, fiber.StatusBadRequest, "you cannot leave both phone and email empty")
		}
		err := h.Verification.ChangePhone(c.Context(), currentUser, newPhone)
		if errors.Is(err, services.ErrPhoneInUse) {
			return utils.ErrorCode(c, fiber.StatusConflict, codePhoneInUse, err.Error())
		}
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed updating phone")
		}
	}

	var updated models.User
	if err := h.DB.First(&updated, "id = ?", currentUser.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed fetching updated user")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "user.profile_update",
		ResourceType: "user",
		ResourceID:   &currentUser.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, updated)
}

// applyEmailChange stages email updates and warns the old address. A changed
// address goes back to unverified until its confirmation token comes back.
func (h *AuthHandler) applyEmailChange(c *fiber.Ctx, user *models.User, newEmail string, updates map[string]interface{}) error {
	currentEmail := ""
	if user.Email != nil {
		currentEmail = *user.Email
	}
	if newEmail == currentEmail {
		return nil
	}

	if newEmail == "" {
		if user.Phone == nil {
			return utils.Error(c, fiber.StatusBadRequest, "you cannot leave both phone and email empty")
		}
		updates["email"] = nil
		updates["email_verified"] = false
		if currentEmail != "" {
			_ = h.Notifier.SendEmail(c.Context(), currentEmail, "Email address removed", services.MsgEmailDeleted)
		}
		return nil
	}

	if _, err := mail.ParseAddress(newEmail); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid email")
	}
	var existing models.User
	if err := h.DB.First(&existing, "email = ? AND id <> ?", newEmail, user.ID).Error; err == nil {
		return utils.Error(c, fiber.StatusConflict, "user with this email already exists")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking email")
	}

	updates["email"] = newEmail
	updates["email_verified"] = false

	if err := h.sendEmailConfirmation(c, user, newEmail); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed sending confirmation email")
	}
	if currentEmail != "" {
		_ = h.Notifier.SendEmail(c.Context(), currentEmail, "Email address changed", services.MsgEmailChanged)
	}
	return nil
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req changePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", currentUser.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading user")
	}

	if !utils.CheckPassword(req.OldPassword, user.PasswordHash) {
		return utils.Error(c, fiber.StatusBadRequest, "old_password is incorrect")
	}

	email := ""
	if user.Email != nil {
		email = *user.Email
	}
	phone := ""
	if user.Phone != nil {
		phone = *user.Phone
	}
	if err := utils.ValidatePassword(req.NewPassword, user.Username, email, phone); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, err.Error())
	}

	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed hashing password")
	}

	if err := h.DB.Model(&models.User{}).Where("id = ?", user.ID).Update("password_hash", hash).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating password")
	}

	if user.PhoneVerified && user.Phone != nil {
		_ = h.Notifier.SendSMS(c.Context(), *user.Phone, services.MsgPasswordChanged)
	}
	if user.EmailVerified && user.Email != nil {
		_ = h.Notifier.SendEmail(c.Context(), *user.Email, "Password changed", services.MsgPasswordChanged)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "user.password_change",
		ResourceType: "user",
		ResourceID:   &currentUser.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "password updated"})
}
