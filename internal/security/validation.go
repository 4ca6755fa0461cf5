package security

import (
	"regexp"
	"strings"
	"unicode"

	"trailstop/internal/config"
	apperrors "trailstop/internal/errors"
)

// MaxGroupNameLength caps group names in runes.
const MaxGroupNameLength = 64

var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{6,12}:[A-Za-z0-9_-]{30,}`), // Telegram bot tokens
	regexp.MustCompile(`(?i)(token|secret|password)=([^&\s]+)`),
}

// ValidateGroupName trims name and rejects control characters and overlong
// names. An empty name is allowed.
func ValidateGroupName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len([]rune(name)) > MaxGroupNameLength {
		return "", apperrors.NewValidationError("name", name, "name too long (max 64 characters)")
	}
	for _, r := range name {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return "", apperrors.NewValidationError("name", name, "name contains control characters")
		}
	}
	return name, nil
}

// MaskCredential keeps the last four characters of a secret.
func MaskCredential(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

// MaskSensitive replaces anything that looks like a token in free text, such
// as an error message carrying a request URL.
func MaskSensitive(input string) string {
	out := tokenPatterns[0].ReplaceAllStringFunc(input, MaskCredential)
	return tokenPatterns[1].ReplaceAllString(out, "$1=****")
}

// ContainsSensitiveData reports whether input carries a token.
func ContainsSensitiveData(input string) bool {
	for _, p := range tokenPatterns {
		if p.MatchString(input) {
			return true
		}
	}
	return false
}

// RedactConfig returns a copy of cfg with secrets masked, for display.
func RedactConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Notifications.Telegram.BotToken = MaskCredential(cfg.Notifications.Telegram.BotToken)
	return &out
}
