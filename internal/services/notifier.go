package services

import (
	"context"

	"github.com/terrabase/backend/pkg/logger"
)

// Notification bodies sent when contact details change. Both channels of an
// account are told about changes to the other one, so a hijacked session
// cannot silently swap them out.
const (
	MsgEmailDeleted = "You are receiving this message because a user at Terrabase removed" +
		" the email address from the account linked to this phone number." +
		" If it wasn't you, please contact us immediately at security@terrabase.org"
	MsgEmailChanged = "You are receiving this message because a user at Terrabase updated" +
		" the email address for the account linked to this phone number." +
		" If it wasn't you, please contact us immediately at security@terrabase.org"
	MsgPhoneDeleted = "You are receiving this message because a user at Terrabase removed" +
		" the phone number from the account previously linked to this phone number." +
		" If it wasn't you, please contact us immediately at security@terrabase.org"
	MsgPhoneChanged = "You are receiving this message because a user at Terrabase changed" +
		" the phone number for the account previously linked to this phone number." +
		" If it wasn't you, please contact us immediately at security@terrabase.org"
	MsgPasswordChanged = "You are receiving this message because a user at Terrabase has" +
		" changed or reset the password for your account linked to this phone number." +
		" If it wasn't you, please contact us immediately at security@terrabase.org"
)

// Notifier dispatches account notifications. The verification core never
// sends anything itself; services emit events through this interface and the
// wired implementation decides what a delivery means.
type Notifier interface {
	SendSMS(ctx context.Context, to, body string) error
	SendEmail(ctx context.Context, to, subject, body string) error
}

// LogNotifier writes notifications to the structured log. Real SMS/email
// gateways live outside this service.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) SendSMS(_ context.Context, to, body string) error {
	logger.Info("sms_dispatched", map[string]interface{}{
		"to":   to,
		"body": body,
	})
	return nil
}

func (n *LogNotifier) SendEmail(_ context.Context, to, subject, body string) error {
	logger.Info("email_dispatched", map[string]interface{}{
		"to":      to,
		"subject": subject,
		"body":    body,
	})
	return nil
}
