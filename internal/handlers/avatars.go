package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/terrabase/backend/internal/middleware"
	"github.com/terrabase/backend/internal/models"
	"github.com/terrabase/backend/internal/services"
	"github.com/terrabase/backend/internal/storage"
	"github.com/terrabase/backend/pkg/utils"
	"gorm.io/gorm"
)

const maxAvatarSize = 5 * 1024 * 1024

var allowedAvatarTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
}

var errUnsupportedAvatarType = errors.New("unsupported avatar type")

// detectAvatarType sniffs the upload's real content type from its leading
// bytes; the client-supplied header is not trusted. The reader is rewound
// afterwards so the whole file can be stored.
func detectAvatarType(file io.ReadSeeker) (string, string, error) {
	head := make([]byte, 512)
	n, err := file.Read(head)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", "", err
	}

	contentType := http.DetectContentType(head[:n])
	ext, ok := allowedAvatarTypes[contentType]
	if !ok {
		return "", "", errUnsupportedAvatarType
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", "", err
	}
	return contentType, ext, nil
}

type AvatarsHandler struct {
	DB      *gorm.DB
	Storage *storage.MinIOClient
	Audit   *services.AuditService
}

func NewAvatarsHandler(db *gorm.DB, store *storage.MinIOClient, audit *services.AuditService) *AvatarsHandler {
	return &AvatarsHandler{DB: db, Storage: store, Audit: audit}
}

func (h *AvatarsHandler) Upload(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	fileHeader, err := c.FormFile("avatar")
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "avatar file is required")
	}
	if fileHeader.Size > maxAvatarSize {
		return utils.Error(c, fiber.StatusBadRequest, "avatar must be smaller than 5MB")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed reading avatar")
	}
	defer file.Close()

	contentType, ext, err := detectAvatarType(file)
	if errors.Is(err, errUnsupportedAvatarType) {
		return utils.Error(c, fiber.StatusBadRequest, "avatar must be a PNG, JPEG or GIF image")
	}
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed reading avatar")
	}

	// a random component in the object name busts CDN and browser caches
	objectName := fmt.Sprintf("avatars/%s/%s%s", currentUser.ID, uuid.NewString(), ext)
	if err := h.Storage.Upload(c.Context(), objectName, file, fileHeader.Size, contentType); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed storing avatar")
	}

	previous := ""
	if currentUser.AvatarURL != nil {
		previous = *currentUser.AvatarURL
	}

	url := h.Storage.PublicURL(objectName)
	if err := h.DB.Model(&models.User{}).Where("id = ?", currentUser.ID).
		Update("avatar_url", url).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating avatar")
	}

	if previous != "" {
		if name := objectNameFromURL(previous); name != "" {
			_ = h.Storage.Delete(c.Context(), name)
		}
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "user.avatar_upload",
		ResourceType: "user",
		ResourceID:   &currentUser.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"avatar_url": url})
}

func (h *AvatarsHandler) Delete(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	if currentUser.AvatarURL == nil {
		return utils.Error(c, fiber.StatusNotFound, "no avatar set")
	}

	if name := objectNameFromURL(*currentUser.AvatarURL); name != "" {
		_ = h.Storage.Delete(c.Context(), name)
	}

	if err := h.DB.Model(&models.User{}).Where("id = ?", currentUser.ID).
		Update("avatar_url", nil).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed removing avatar")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "avatar removed"})
}

// objectNameFromURL recovers the bucket-relative object name from a public
// avatar URL. Only URLs under the avatars/ prefix are recognized.
func objectNameFromURL(url string) string {
	idx := strings.Index(url, "/avatars/")
	if idx < 0 {
		return ""
	}
	name := url[idx+1:]
	if filepath.Ext(name) == "" {
		return ""
	}
	return name
}
