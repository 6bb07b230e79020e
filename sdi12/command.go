package sdi12

import (
	"fmt"
	"strings"
)

// Address is the bus address of a sensor, '0'-'9', or Wildcard.
type Address byte

// Wildcard addresses whichever single sensor is on the bus. It is only
// meaningful in the address query "?!".
const Wildcard Address = '?'

// Function verbs the response parser understands.
const (
	VerbMeasure     byte = 'M'
	VerbData        byte = 'D'
	VerbIdentify    byte = 'I'
	VerbAcknowledge byte = '!'
)

// ParseAddress validates a single character address.
func ParseAddress(c byte) (Address, error) {
	a := Address(c)
	if !a.Valid() {
		return 0, fmt.Errorf("%w: address %q is not a digit or '?'", ErrInvalidCommand, c)
	}

	return a, nil
}

// Valid reports whether a is a digit or the wildcard.
func (a Address) Valid() bool {
	return a == Wildcard || isDigit(byte(a))
}

// IsWildcard reports whether a is the wildcard.
func (a Address) IsWildcard() bool {
	return a == Wildcard
}

func (a Address) String() string {
	return string(rune(a))
}

// Command is a validated SDI-12 command: <address><function>[params]!.
type Command struct {
	raw string
}

// ParseCommand validates s and returns it as a Command.
//
// s must fit the transmit buffer, start with a digit or '?', carry at least a
// function character and end in '!'. A D command must name its dataset digit.
func ParseCommand(s string) (Command, error) {
	switch {
	case s == "":
		return Command{}, fmt.Errorf("%w: empty command", ErrInvalidCommand)
	case len(s) > BufferSize:
		return Command{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidCommand, len(s), BufferSize)
	case len(s) < 2:
		return Command{}, fmt.Errorf("%w: %q has no function", ErrInvalidCommand, s)
	case !strings.HasSuffix(s, "!"):
		return Command{}, fmt.Errorf("%w: %q does not end in '!'", ErrInvalidCommand, s)
	}

	if _, err := ParseAddress(s[0]); err != nil {
		return Command{}, err
	}

	for i := 0; i < len(s); i++ {
		if s[i] > 0x7e || s[i] < 0x20 {
			return Command{}, fmt.Errorf("%w: non printable byte 0x%02X", ErrInvalidCommand, s[i])
		}
	}

	if s[1] == VerbData && (len(s) < 4 || !isDigit(s[2])) {
		return Command{}, fmt.Errorf("%w: %q has no dataset index", ErrInvalidCommand, s)
	}

	return Command{raw: s}, nil
}

// Address returns the addressed sensor.
func (c Command) Address() Address { return Address(c.raw[0]) }

// Verb returns the function character that follows the address.
func (c Command) Verb() byte { return c.raw[1] }

// DatasetIndex returns the digit following 'D' in a send data command,
// or -1 for any other command.
func (c Command) DatasetIndex() int {
	if c.Verb() != VerbData {
		return -1
	}

	return int(c.raw[2] - '0')
}

func (c Command) String() string { return c.raw }

// MeasureCommand returns "aM!".
func MeasureCommand(a Address) string { return a.String() + "M!" }

// DataCommand returns "aDn!".
func DataCommand(a Address, dataset int) string { return fmt.Sprintf("%sD%d!", a, dataset) }

// IdentifyCommand returns "aI!".
func IdentifyCommand(a Address) string { return a.String() + "I!" }

// AcknowledgeCommand returns "a!".
func AcknowledgeCommand(a Address) string { return a.String() + "!" }

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
