package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

var validHex = regexp.MustCompile(`^[0-9A-F]+$`)

func cleanHex(s string) string {
	cleaned := strings.ReplaceAll(s, ":", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	return strings.ToUpper(cleaned)
}

// NormalizeAddress canonicalizes a reader address. A MAC address in any
// common notation ("aa:bb:cc:dd:ee:ff", "AABBCCDDEEFF", "AA-BB-CC-DD-EE-FF")
// becomes colon-separated uppercase hex. Anything else is taken as an
// advertised device name and only trimmed.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	cleaned := cleanHex(address)
	if len(cleaned) != 12 || !validHex.MatchString(cleaned) {
		return address
	}

	var result strings.Builder
	for i := 0; i < len(cleaned); i += 2 {
		if i > 0 {
			result.WriteByte(':')
		}
		result.WriteString(cleaned[i : i+2])
	}
	return result.String()
}

// ParseEPC normalizes an EPC to uppercase hex without separators.
// EPCs are a whole number of 16-bit words.
func ParseEPC(epc string) (string, error) {
	if epc == "" {
		return "", fmt.Errorf("empty EPC")
	}

	cleaned := cleanHex(epc)
	if !validHex.MatchString(cleaned) {
		return "", fmt.Errorf("EPC contains invalid characters: %s", epc)
	}
	if len(cleaned)%4 != 0 {
		return "", fmt.Errorf("EPC is not a whole number of words: %s", epc)
	}
	return cleaned, nil
}
