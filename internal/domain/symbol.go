package domain

import (
	"regexp"
	"strings"
)

var (
	symbolRegex        = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,14}$`)
	clientOrderIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// ValidSymbol reports whether s is an upper-case ticker such as "AAPL" or
// "BRK.B".
func ValidSymbol(s string) bool {
	return symbolRegex.MatchString(s) && !strings.HasSuffix(s, ".")
}

// ValidClientOrderID reports whether id can be used as a client order id.
func ValidClientOrderID(id string) bool {
	return clientOrderIDRegex.MatchString(id)
}
