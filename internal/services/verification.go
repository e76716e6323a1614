package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/terrabase/backend/internal/models"
	"github.com/terrabase/backend/pkg/logger"
	"github.com/terrabase/backend/pkg/timetoken"
	"github.com/terrabase/backend/pkg/utils"
	"gorm.io/gorm"
)

var (
	ErrDeviceNotFound = errors.New("no verification pending")
	ErrTokenInvalid   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrPhoneInUse     = errors.New("user with this phone number already exists")
	ErrUserNotFound   = errors.New("user not found")
)

// expiredProbeTolerance is how far back we re-scan after a failed
// verification, only to tell the user "expired" instead of "invalid".
const expiredProbeTolerance = 5

// VerificationService owns the lifecycle of verification devices: creation
// when a phone number enters an unverified state, challenge generation, the
// single mutating verify step, and deletion once a device has served its
// purpose.
type VerificationService struct {
	DB       *gorm.DB
	Engine   *timetoken.Engine
	Notifier Notifier

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewVerificationService(db *gorm.DB, engine *timetoken.Engine, notifier Notifier) *VerificationService {
	return &VerificationService{
		DB:       db,
		Engine:   engine,
		Notifier: notifier,
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// deviceLock returns the mutex serializing verification attempts against one
// device. Without it two concurrent attempts could both read last_t before
// either writes, letting the same token pass twice.
func (s *VerificationService) deviceLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *VerificationService) releaseLock(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, id)
}

// PhoneTaken reports whether a phone number is already claimed, either as a
// user's verified phone or as another pending device.
func (s *VerificationService) PhoneTaken(ctx context.Context, phone string, excludeUser uuid.UUID) (bool, error) {
	var count int64
	query := s.DB.WithContext(ctx).Model(&models.VerificationDevice{}).
		Where("unverified_phone = ?", phone)
	if excludeUser != uuid.Nil {
		query = query.Where("user_id <> ?", excludeUser)
	}
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	userQuery := s.DB.WithContext(ctx).Model(&models.User{}).Where("phone = ?", phone)
	if excludeUser != uuid.Nil {
		userQuery = userQuery.Where("id <> ?", excludeUser)
	}
	if err := userQuery.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateDevice starts a verification for (user, label), superseding any
// previous device with the same label. Each device gets a fresh secret,
// encrypted at rest.
func (s *VerificationService) CreateDevice(ctx context.Context, userID uuid.UUID, phone string, label models.DeviceLabel) (*models.VerificationDevice, error) {
	secret := timetoken.NewSecretKey()
	encrypted, err := utils.EncryptAESGCM(secret)
	if err != nil {
		return nil, err
	}

	device := &models.VerificationDevice{
		UserID:          userID,
		UnverifiedPhone: phone,
		Label:           label,
		SecretKey:       encrypted,
		LastT:           models.LastTSentinel,
	}

	var superseded []models.VerificationDevice
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Find(&superseded, "user_id = ? AND label = ?", userID, label).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ? AND label = ?", userID, label).
			Delete(&models.VerificationDevice{}).Error; err != nil {
			return err
		}
		return tx.Create(device).Error
	})
	if err != nil {
		return nil, err
	}
	for _, old := range superseded {
		s.releaseLock(old.ID)
	}

	logger.InfoWithUser(userID.String(), "verification_device_created", map[string]interface{}{
		"device_id": device.ID.String(),
		"label":     string(label),
	})

	return device, nil
}

func (s *VerificationService) secret(device *models.VerificationDevice) string {
	return utils.DecryptOrPlaintext(device.SecretKey)
}

// GenerateChallenge derives the token for the device's current time step and
// emits it to the pending phone number. Generation never advances last_t.
func (s *VerificationService) GenerateChallenge(ctx context.Context, device *models.VerificationDevice) (string, error) {
	token, err := s.Engine.GenerateChallenge(s.secret(device))
	if err != nil {
		return "", err
	}

	body := fmt.Sprintf("Your Terrabase verification token is %s. It is valid for a short time only.", token)
	if err := s.Notifier.SendSMS(ctx, device.UnverifiedPhone, body); err != nil {
		logger.Error("verification_sms_failed", err, map[string]interface{}{
			"device_id": device.ID.String(),
		})
	}

	return token, nil
}

// VerifyDevice is the single mutating verification step. The whole
// read-compare-write of last_t runs under the device's lock and re-reads the
// row, so two racing attempts can never both accept the same step.
func (s *VerificationService) VerifyDevice(ctx context.Context, device *models.VerificationDevice, token string, tolerance int) (bool, error) {
	lock := s.deviceLock(device.ID)
	lock.Lock()
	defer lock.Unlock()

	var fresh models.VerificationDevice
	if err := s.DB.WithContext(ctx).First(&fresh, "id = ?", device.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrDeviceNotFound
		}
		return false, err
	}

	step, ok := s.Engine.Verify(s.secret(&fresh), token, fresh.LastT, tolerance)
	if !ok {
		return false, nil
	}

	if err := s.DB.WithContext(ctx).Model(&fresh).Updates(map[string]interface{}{
		"last_t":    step,
		"confirmed": true,
	}).Error; err != nil {
		return false, err
	}

	device.LastT = step
	device.Confirmed = true
	return true, nil
}

// classifyFailure re-runs a failed verification with a backward tolerance to
// distinguish a token that rotated out of its window from one that never
// matched. The probe consumes the matched step when it hits.
func (s *VerificationService) classifyFailure(ctx context.Context, device *models.VerificationDevice, token string) error {
	ok, err := s.VerifyDevice(ctx, device, token, expiredProbeTolerance)
	if err != nil {
		return err
	}
	if ok {
		return ErrTokenExpired
	}
	return ErrTokenInvalid
}

// ConfirmPhone completes phone verification: on success the pending number
// becomes the user's trusted phone, the account activates, and the device is
// deleted.
func (s *VerificationService) ConfirmPhone(ctx context.Context, user *models.User, token string) error {
	var device models.VerificationDevice
	err := s.DB.WithContext(ctx).
		First(&device, "user_id = ? AND label = ?", user.ID, models.DeviceLabelPhoneVerify).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return err
	}

	ok, err := s.VerifyDevice(ctx, &device, token, 0)
	if err != nil {
		return err
	}
	if !ok {
		return s.classifyFailure(ctx, &device, token)
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"phone":          device.UnverifiedPhone,
			"phone_verified": true,
			"is_active":      true,
		}
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Delete(&models.VerificationDevice{}, "id = ?", device.ID).Error
	})
	if err != nil {
		return err
	}
	s.releaseLock(device.ID)

	user.Phone = &device.UnverifiedPhone
	user.PhoneVerified = true
	user.IsActive = true

	logger.InfoWithUser(user.ID.String(), "phone_verified", map[string]interface{}{
		"phone": device.UnverifiedPhone,
	})
	return nil
}

// RequestPasswordReset issues a password_reset device for the account owning
// the verified phone number and sends the challenge.
func (s *VerificationService) RequestPasswordReset(ctx context.Context, phone string) error {
	var user models.User
	err := s.DB.WithContext(ctx).First(&user, "phone = ? AND phone_verified = ?", phone, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}

	device, err := s.CreateDevice(ctx, user.ID, phone, models.DeviceLabelPasswordReset)
	if err != nil {
		return err
	}

	_, err = s.GenerateChallenge(ctx, device)
	return err
}

// ConfirmPasswordReset verifies a reset token and consumes the device. The
// caller sets the new password once this returns nil.
func (s *VerificationService) ConfirmPasswordReset(ctx context.Context, phone, token string) (*models.User, error) {
	var user models.User
	err := s.DB.WithContext(ctx).First(&user, "phone = ?", phone).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	var device models.VerificationDevice
	err = s.DB.WithContext(ctx).First(&device,
		"user_id = ? AND unverified_phone = ? AND label = ?",
		user.ID, phone, models.DeviceLabelPasswordReset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}

	ok, err := s.VerifyDevice(ctx, &device, token, 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.classifyFailure(ctx, &device, token)
	}

	if err := s.DB.WithContext(ctx).Delete(&models.VerificationDevice{}, "id = ?", device.ID).Error; err != nil {
		return nil, err
	}
	s.releaseLock(device.ID)

	return &user, nil
}

// ResendToken re-challenges the pending device for a phone number. The
// device keeps its secret; resending only mints the token of the current
// step.
func (s *VerificationService) ResendToken(ctx context.Context, phone string) error {
	var device models.VerificationDevice
	err := s.DB.WithContext(ctx).
		First(&device, "unverified_phone = ? AND label = ?", phone, models.DeviceLabelPhoneVerify).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return err
	}

	_, err = s.GenerateChallenge(ctx, &device)
	return err
}

// ChangePhone handles a profile phone update: superseded devices are
// deleted, a fresh phone_verify device challenges the new number, and the
// old number keeps working (and is warned) until the new one verifies.
// An empty newPhone removes the number entirely.
func (s *VerificationService) ChangePhone(ctx context.Context, user *models.User, newPhone string) error {
	currentPhone := ""
	if user.Phone != nil {
		currentPhone = *user.Phone
	}
	if newPhone == currentPhone {
		return nil
	}

	var superseded []models.VerificationDevice
	if err := s.DB.WithContext(ctx).Find(&superseded, "user_id = ?", user.ID).Error; err != nil {
		return err
	}
	if err := s.DB.WithContext(ctx).
		Where("user_id = ?", user.ID).Delete(&models.VerificationDevice{}).Error; err != nil {
		return err
	}
	for _, old := range superseded {
		s.releaseLock(old.ID)
	}

	if newPhone == "" {
		updates := map[string]interface{}{"phone": nil, "phone_verified": false}
		if err := s.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
			return err
		}
		user.Phone = nil
		user.PhoneVerified = false
		if currentPhone != "" {
			_ = s.Notifier.SendSMS(ctx, currentPhone, MsgPhoneDeleted)
		}
		return nil
	}

	taken, err := s.PhoneTaken(ctx, newPhone, user.ID)
	if err != nil {
		return err
	}
	if taken {
		return ErrPhoneInUse
	}

	device, err := s.CreateDevice(ctx, user.ID, newPhone, models.DeviceLabelPhoneVerify)
	if err != nil {
		return err
	}
	if _, err := s.GenerateChallenge(ctx, device); err != nil {
		return err
	}

	if currentPhone != "" {
		_ = s.Notifier.SendSMS(ctx, currentPhone, MsgPhoneChanged)
	}
	return nil
}
