package core

import "fmt"

// VertexName is the opaque, immutable name of a vertex, typically a binary
// commit hash. Backed by a string so it can key maps without copying.
type VertexName string

// NameFromBytes copies value into a VertexName.
func NameFromBytes(value []byte) VertexName {
	return VertexName(value)
}

// NameFromHex decodes a hex string into a VertexName.
// An odd-length input is treated as if padded with a trailing '0'.
func NameFromHex(hex string) (VertexName, error) {
	buf := make([]byte, (len(hex)+1)/2)
	for i := 0; i < len(hex); i++ {
		var v byte
		switch c := hex[i]; {
		case c >= '0' && c <= '9':
			v = c - '0'
		case c >= 'a' && c <= 'f':
			v = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			v = c - 'A' + 10
		default:
			return "", fmt.Errorf("invalid hex character %q in vertex name", c)
		}
		if i&1 == 0 {
			buf[i/2] |= v << 4
		} else {
			buf[i/2] |= v
		}
	}
	return VertexName(buf), nil
}

// Bytes returns the raw name bytes.
func (n VertexName) Bytes() []byte {
	return []byte(n)
}

// Hex returns the lowercase hex encoding of the name.
func (n VertexName) Hex() string {
	const hexChars = "0123456789abcdef"
	buf := make([]byte, 0, len(n)*2)
	for i := 0; i < len(n); i++ {
		buf = append(buf, hexChars[n[i]>>4], hexChars[n[i]&0xf])
	}
	return string(buf)
}

// String renders single-byte printable names as-is and everything else as
// hex. Commit hashes come out as hex, single-letter test names stay readable.
func (n VertexName) String() string {
	if len(n) >= 2 || !printable(string(n)) {
		return n.Hex()
	}
	return string(n)
}

func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return len(s) > 0
}
