package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const MaxIdentityLength = 64

var ErrIdentityEmpty = errors.New("identity must not be empty")
var ErrIdentityTooLong = fmt.Errorf("identity must not exceed %d characters", MaxIdentityLength)
var ErrIdentityReserved = fmt.Errorf("identity %q is reserved", ServerIdentity)
var ErrIdentityInvalidChars = errors.New("identity must not contain ':' or whitespace")

// ValidateIdentity checks that a name can be bound to a session. Colons
// would break the command syntax and whitespace the user listing reply.
func ValidateIdentity(name string) error {
	if len(name) == 0 {
		return ErrIdentityEmpty
	}
	if len(name) > MaxIdentityLength {
		return ErrIdentityTooLong
	}
	if name == ServerIdentity {
		return ErrIdentityReserved
	}
	if strings.ContainsFunc(name, func(r rune) bool { return r == ':' || unicode.IsSpace(r) }) {
		return ErrIdentityInvalidChars
	}
	return nil
}
