// Package macaddr provides the canonical hardware address type used to identify
// gateways and sensor nodes.
package macaddr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Size is the length of a hardware address in bytes.
const Size = 6

// ErrInvalidAddress is returned when a string cannot be parsed as a hardware address.
var ErrInvalidAddress = errors.New("invalid hardware address")

// Address is a 6-byte hardware address.
// The zero value is the all-zero address and is valid.
type Address [Size]byte

// Parse parses a hardware address in colon-separated ("aa:bb:cc:dd:ee:ff") or bare
// hexadecimal ("AABBCCDDEEFF") form. Surrounding whitespace and letter case are ignored.
// Colons are accepted only between the six byte pairs.
func Parse(s string) (Address, error) {
	var addr Address

	v := strings.TrimSpace(s)
	switch len(v) {
	case 2 * Size:
	case 3*Size - 1:
		var b strings.Builder
		for i := 0; i < Size; i++ {
			if i > 0 && v[3*i-1] != ':' {
				return addr, fmt.Errorf("%w: %q must separate byte pairs with ':'", ErrInvalidAddress, s)
			}
			b.WriteString(v[3*i : 3*i+2])
		}
		v = b.String()
	default:
		return addr, fmt.Errorf("%w: %q must be exactly %d bytes long", ErrInvalidAddress, s, Size)
	}

	if _, err := hex.Decode(addr[:], []byte(v)); err != nil {
		return addr, fmt.Errorf("%w: %q must be valid hexadecimal", ErrInvalidAddress, s)
	}

	return addr, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Address {
	addr, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// FromBytes copies the first Size bytes of b into an Address.
func FromBytes(b []byte) (Address, error) {
	var addr Address
	if len(b) < Size {
		return addr, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidAddress, Size, len(b))
	}
	copy(addr[:], b[:Size])
	return addr, nil
}

// String returns the canonical form: six upper-case hex byte pairs separated by colons.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Hex returns the address as 12 upper-case hex characters without separators.
// This is the identity the broker's PSK plugin expects.
func (a Address) Hex() string {
	return strings.ToUpper(hex.EncodeToString(a[:]))
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, a[:])
	return b
}
