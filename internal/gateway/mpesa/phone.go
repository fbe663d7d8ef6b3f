package mpesa

import (
	"fmt"
	"strings"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/gateway"
)

const countryCode = "254"

// NormalizePhone converts a Kenyan mobile number to the 2547XXXXXXXX /
// 2541XXXXXXXX form Daraja expects. Accepted inputs are 07XXXXXXXX,
// 01XXXXXXXX, 7XXXXXXXX, 1XXXXXXXX, +254XXXXXXXXX and 254XXXXXXXXX;
// spaces, dashes and parentheses are ignored.
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	cleaned = strings.TrimPrefix(cleaned, "+")

	var subscriber string
	switch {
	case strings.HasPrefix(cleaned, countryCode) && len(cleaned) == 12:
		subscriber = cleaned[3:]
	case strings.HasPrefix(cleaned, "0") && len(cleaned) == 10:
		subscriber = cleaned[1:]
	case len(cleaned) == 9:
		subscriber = cleaned
	default:
		return "", fmt.Errorf("%w: %q is not a Kenyan mobile number", gateway.ErrInvalidPayerRef, raw)
	}

	if subscriber[0] != '7' && subscriber[0] != '1' {
		return "", fmt.Errorf("%w: %q is not a mobile prefix", gateway.ErrInvalidPayerRef, raw)
	}
	for _, r := range subscriber {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q contains non-digits", gateway.ErrInvalidPayerRef, raw)
		}
	}
	return countryCode + subscriber, nil
}
