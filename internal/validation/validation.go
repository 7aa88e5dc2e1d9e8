package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"whatsgate/internal/constants"
	apperrors "whatsgate/internal/errors"
	pkgconstants "whatsgate/pkg/constants"
)

const (
	maxOwnerLength   = 128
	maxRetentionDays = 3650
)

// ValidateRecipient accepts a phone number in international format, with
// optional '+', spaces, dashes, dots or parentheses, or a full chat id
// ("...@c.us" for users, "...@g.us" for groups).
func ValidateRecipient(to string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return apperrors.NewValidationError("to", "", "recipient is required")
	}
	if hasControl(to) {
		return apperrors.NewValidationError("to", "", "recipient contains control characters")
	}

	if strings.HasSuffix(to, "@g.us") {
		if strings.TrimSuffix(to, "@g.us") == "" {
			return apperrors.NewValidationError("to", to, "group id is empty")
		}
		return nil
	}

	number := strings.TrimSuffix(to, "@c.us")
	digits := 0
	for i, r := range number {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return apperrors.NewValidationError("to", to, "phone number must contain only digits")
		}
	}

	if digits < pkgconstants.MinPhoneNumberLength || digits > pkgconstants.MaxPhoneNumberLength {
		return apperrors.NewValidationError("to", to,
			fmt.Sprintf("phone number must have %d to %d digits", pkgconstants.MinPhoneNumberLength, pkgconstants.MaxPhoneNumberLength))
	}
	return nil
}

// ValidateText checks a message body or caption
func ValidateText(field, text string) error {
	if utf8.RuneCountInString(text) > pkgconstants.MaxTextLength {
		return apperrors.NewValidationError(field, "", fmt.Sprintf("too long (max %d characters)", pkgconstants.MaxTextLength))
	}
	if !utf8.ValidString(text) {
		return apperrors.NewValidationError(field, "", "must be valid UTF-8")
	}
	return nil
}

// ValidateOwner checks a webhook owner label
func ValidateOwner(owner string) error {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return apperrors.NewValidationError("owner", "", "owner is required")
	}
	if len(owner) > maxOwnerLength {
		return apperrors.NewValidationError("owner", "", fmt.Sprintf("too long (max %d characters)", maxOwnerLength))
	}
	if hasControl(owner) {
		return apperrors.NewValidationError("owner", "", "owner contains control characters")
	}
	return nil
}

// ValidateSessionName validates a WAHA session name
func ValidateSessionName(name string) error {
	if name == "" {
		return apperrors.NewValidationError("session_name", "", "session name cannot be empty")
	}
	if len(name) > pkgconstants.MaxSessionNameLength {
		return apperrors.NewValidationError("session_name", name,
			fmt.Sprintf("too long (max %d characters)", pkgconstants.MaxSessionNameLength))
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return apperrors.NewValidationError("session_name", name,
				"must contain only letters, numbers, underscores, and dashes")
		}
	}
	return nil
}

// ValidateRetentionDays validates the message retention period
func ValidateRetentionDays(days int) error {
	if days < 1 || days > maxRetentionDays {
		return apperrors.NewValidationError("retentionDays", fmt.Sprint(days),
			fmt.Sprintf("must be between 1 and %d", maxRetentionDays))
	}
	return nil
}

// ValidateTimeout validates a timeout in seconds
func ValidateTimeout(field string, seconds int) error {
	if seconds < 1 || seconds > constants.MaxTimeoutSec {
		return apperrors.NewValidationError(field, fmt.Sprint(seconds),
			fmt.Sprintf("must be between 1 and %d seconds", constants.MaxTimeoutSec))
	}
	return nil
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}
