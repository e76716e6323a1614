package utils

import "testing"

func TestValidPhone(t *testing.T) {
	valid := []string{
		"+4915112345678",
		"+12024561111",
		"+919876543210",
		"+1234567",
	}
	for _, phone := range valid {
		if !ValidPhone(phone) {
			t.Errorf("expected %q to be valid", phone)
		}
	}

	invalid := []string{
		"",
		"4915112345678",
		"+49 151 1234 5678",
		"+49-151-12345678",
		"0049151123",
		"+1234567890123456789",
		"+49151abc678",
	}
	for _, phone := range invalid {
		if ValidPhone(phone) {
			t.Errorf("expected %q to be invalid", phone)
		}
	}
}
