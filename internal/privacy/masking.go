package privacy

import (
	"net/url"
	"strings"

	"whatsgate/internal/constants"

	"github.com/sirupsen/logrus"
)

// MaskPhoneNumber keeps only the last digits of a phone number.
// "+1234567890" becomes "+******7890".
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}
	keep := constants.DefaultPhoneMaskLength

	if strings.HasPrefix(phone, "+") {
		if len(phone) == 1 {
			return phone
		}
		return "+" + maskString(phone[1:], keep)
	}
	return maskString(phone, keep)
}

// MaskChatID masks the number part of a WhatsApp chat id and keeps the domain.
// "1234567890@c.us" becomes "******7890@c.us".
func MaskChatID(chatID string) string {
	if chatID == "" {
		return ""
	}
	if at := strings.Index(chatID, "@"); at >= 0 {
		return maskString(chatID[:at], constants.DefaultPhoneMaskLength) + chatID[at:]
	}
	return maskString(chatID, constants.DefaultPhoneMaskLength)
}

// MaskMessageID masks a message id while keeping enough of it to correlate log lines.
// Serialized ids of the form "true_<chat>_<id>" keep their structure.
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}

	parts := strings.Split(messageID, "_")
	if len(parts) >= 3 {
		return parts[0] + "_" + MaskChatID(parts[1]) + "_" + maskString(strings.Join(parts[2:], "_"), constants.DefaultPhoneMaskLength)
	}
	return maskString(messageID, constants.DefaultMessageIDLength)
}

// MaskURL drops credentials, path and query from a subscriber endpoint
func MaskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return maskString(raw, constants.DefaultPhoneMaskLength)
	}
	masked := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		masked += "/***"
	}
	return masked
}

func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields returns a copy of fields with identifying values masked
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		masked[k] = maskField(k, v)
	}
	return masked
}

func maskField(key string, v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch key {
	case "phone", "phone_number", "counterparty", "from", "to":
		return MaskPhoneNumber(s)
	case "chat_id", "chatId", "chat":
		return MaskChatID(s)
	case "message_id", "messageId", "external_id":
		return MaskMessageID(s)
	case "endpoint", "url", "webhook_url":
		return MaskURL(s)
	case "secret", "api_key", "token":
		return "***"
	default:
		return s
	}
}

// Hook masks sensitive fields on every log entry
type Hook struct{}

func NewHook() *Hook { return &Hook{} }

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	for k, v := range entry.Data {
		entry.Data[k] = maskField(k, v)
	}
	return nil
}
