package utils

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 10

var (
	ErrPasswordTooShort      = errors.New("password must be at least 10 characters")
	ErrPasswordContainsUser  = errors.New("the password is too similar to the username")
	ErrPasswordContainsEmail = errors.New("passwords cannot contain your email")
	ErrPasswordContainsPhone = errors.New("passwords cannot contain your phone")
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePassword enforces the account password policy: a minimum length,
// and no reuse of the username, the email local part, or the phone digits
// inside the password.
func ValidatePassword(password, username, email, phone string) error {
	if len(password) < minPasswordLength {
		return ErrPasswordTooShort
	}

	lowered := strings.ToLower(password)

	if username != "" && strings.Contains(lowered, strings.ToLower(username)) {
		return ErrPasswordContainsUser
	}

	if email != "" {
		localPart := strings.ToLower(strings.SplitN(email, "@", 2)[0])
		if localPart != "" && strings.Contains(lowered, localPart) {
			return ErrPasswordContainsEmail
		}
	}

	if phone != "" {
		digits := strings.TrimPrefix(phone, "+")
		if digits != "" && strings.Contains(password, digits) {
			return ErrPasswordContainsPhone
		}
	}

	return nil
}
