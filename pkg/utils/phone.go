package utils

import "regexp"

// PhoneFormatMessage matches the signup/profile form hint.
const PhoneFormatMessage = "phone numbers must be provided in the format +9999999999, up to 15 digits, no spaces or hyphens"

var phonePattern = regexp.MustCompile(`^\+(?:[0-9]?){6,14}[0-9]$`)

// ValidPhone reports whether value is an E.164-style phone number: a leading
// plus followed by up to 15 digits, no separators.
func ValidPhone(value string) bool {
	return phonePattern.MatchString(value)
}
