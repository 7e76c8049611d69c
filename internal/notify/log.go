package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSender logs messages to zap instead of delivering them. It serves both
// channels, so a development server needs no SMTP relay or SMS provider.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a LogSender backed by the given logger.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the email and returns nil. The body carries a confirmation
// link, so it is only logged at debug level.
func (l *LogSender) Send(_ context.Context, to, subject, body string) error {
	l.logger.Info("email (not sent)",
		zap.String("to", to),
		zap.String("subject", subject),
	)
	l.logger.Debug("email body", zap.String("to", to), zap.String("body", body))
	RecordDispatch(ChannelEmail, nil)
	return nil
}

// SendSMS logs the text message and returns nil. The body carries a live
// one-time code, so it is only logged at debug level.
func (l *LogSender) SendSMS(_ context.Context, phone, body string) error {
	l.logger.Info("sms (not sent)", zap.String("phone", maskPhone(phone)))
	l.logger.Debug("sms body", zap.String("phone", maskPhone(phone)), zap.String("body", body))
	RecordDispatch(ChannelSMS, nil)
	return nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return "***" + phone[len(phone)-4:]
}
