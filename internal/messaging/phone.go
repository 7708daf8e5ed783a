package messaging

import (
	"fmt"
	"regexp"

	"github.com/BTreeMap/PolarisCRM/internal/models"
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// CanonicalizePhone strips everything but digits. It is idempotent.
func CanonicalizePhone(raw string) string {
	return phoneNumberRegex.ReplaceAllString(raw, "")
}

// ValidatePhone canonicalizes raw and checks the digit count.
func ValidatePhone(raw string) (string, error) {
	canonical := CanonicalizePhone(raw)
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits found in %q", models.ErrInvalidPhone, raw)
	}
	if n := len(canonical); n < models.MinPhoneDigits || n > models.MaxPhoneDigits {
		return "", fmt.Errorf("%w: %q has %d digits, expected %d to %d",
			models.ErrInvalidPhone, canonical, n, models.MinPhoneDigits, models.MaxPhoneDigits)
	}
	return canonical, nil
}
