package parser

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSeconds converts the clock formats used on the wire to seconds.
// Accepted: "62.345", "1:02.345", "1:02:03" and a leading sign.
func ParseSeconds(value string) (float64, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, fmt.Errorf("empty time value")
	}
	sign := 1.0
	switch v[0] {
	case '+':
		v = v[1:]
	case '-':
		sign = -1.0
		v = v[1:]
	}
	parts := strings.Split(v, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid time value %q", value)
	}
	total := 0.0
	for _, part := range parts {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid time value %q: %w", value, err)
		}
		total = total*60 + f
	}
	return sign * total, nil
}
