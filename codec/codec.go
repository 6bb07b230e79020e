// Package codec folds SDI-12 7E1 characters into 8-bit bytes and back.
//
// SDI-12 frames every character as 7 data bits, one even parity bit and one
// stop bit. A UART that only offers 8N1 framing can still put a valid 7E1
// character on the wire if the parity bit is carried in bit 7 of the byte:
// the eighth data bit is transmitted exactly where the parity bit belongs.
//
// The codec is a compatibility shim. Ports that open native 7E1 framing do not
// use it at all.
package codec

const (
	dataMask   byte = 0x7f
	parityMask byte = 0x80
)

// nibbleParity holds the parity of the values 0-7.
var nibbleParity = [8]byte{0, 1, 1, 0, 1, 0, 0, 1}

// Parity returns 1 when c has an odd number of set bits in its low 7 bits.
func Parity(c byte) byte {
	c &= dataMask
	p := (c ^ (c >> 4)) & 0x0f

	return nibbleParity[p&0x07] ^ (p >> 3)
}

// EncodeByte returns c with its even parity bit folded into bit 7.
// c is expected to be 7-bit data.
func EncodeByte(c byte) byte {
	if Parity(c) == 1 {
		return c | parityMask
	}

	return c
}

// DecodeByte strips the parity bit from b and reports whether it matched the
// even parity of the remaining 7 bits.
func DecodeByte(b byte) (byte, bool) {
	c := b & dataMask
	want := Parity(c) == 1

	return c, want == (b&parityMask != 0)
}

// Encode folds parity into every byte of buf in place.
func Encode(buf []byte) {
	for i, c := range buf {
		buf[i] = EncodeByte(c)
	}
}

// Decode strips parity from every byte of buf in place and returns the
// per-character parity check. Bytes are cleared to 7-bit ASCII whether or
// not their parity matched.
func Decode(buf []byte) Validity {
	v := make(Validity, len(buf))
	for i, b := range buf {
		buf[i], v[i] = DecodeByte(b)
	}

	return v
}

// Validity is the per-character parity check result of Decode.
// Element i is true when character i carried correct even parity.
type Validity []bool

// OK reports whether every character passed the parity check.
func (v Validity) OK() bool {
	for _, ok := range v {
		if !ok {
			return false
		}
	}

	return true
}

// Errors returns the indices of characters that failed the parity check.
func (v Validity) Errors() []int {
	var idx []int
	for i, ok := range v {
		if !ok {
			idx = append(idx, i)
		}
	}

	return idx
}
