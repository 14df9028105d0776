package access

import (
	"strconv"
	"strings"
	"time"

	"github.com/orchardlabs/orchard/internal/domain"
)

// ParseAccessDuration parses the duration argument of the admin commands.
// A bare number is minutes; "m", "h" and "d" suffixes select minutes, hours
// and days. Malformed input yields domain.ErrInvalidDuration.
func ParseAccessDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, domain.ErrInvalidDuration
	}

	unit := time.Minute
	switch s[len(s)-1] {
	case 'm':
		s = s[:len(s)-1]
	case 'h':
		unit = time.Hour
		s = s[:len(s)-1]
	case 'd':
		unit = 24 * time.Hour
		s = s[:len(s)-1]
	}

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, domain.ErrInvalidDuration
	}
	return time.Duration(n) * unit, nil
}
