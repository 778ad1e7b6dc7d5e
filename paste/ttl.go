package paste

import (
	"fmt"
	"regexp"
	"strconv"
)

var ttlPattern = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

type ttlUnit struct {
	name    string
	limit   uint64
	seconds uint64
}

var ttlUnits = [...]ttlUnit{
	{"day", 31, 86_400},
	{"hour", 24, 3_600},
	{"minute", 60, 60},
	{"second", 60, 1},
}

// ParseTTL parses a lifetime written as NdNhNmNs, where each component is
// optional but at least one must be present and the components appear in
// that order, e.g. "1d", "12h30m", "1d2h3m4s". Days must be below 31,
// hours below 24, minutes and seconds below 60. It returns the lifetime in
// seconds.
func ParseTTL(s string) (uint64, error) {
	m := ttlPattern.FindStringSubmatch(s)
	if m == nil || s == "" {
		return 0, fmt.Errorf("%w: %q is not of the form NdNhNmNs", ErrInvalidTTL, s)
	}

	var total uint64
	for i, unit := range ttlUnits {
		raw := m[i+1]
		if raw == "" {
			continue
		}
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %s in %q: %v", ErrInvalidTTL, unit.name, s, err)
		}
		if v >= unit.limit {
			return 0, fmt.Errorf("%w: %s in %q has to be less than %d", ErrInvalidTTL, unit.name, s, unit.limit)
		}
		total += v * unit.seconds
	}

	if total == 0 {
		return 0, fmt.Errorf("%w: %q is zero", ErrInvalidTTL, s)
	}
	return total, nil
}
