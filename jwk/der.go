package jwk

// DER tags used by SubjectPublicKeyInfo.
const (
	tagInteger          = 0x02
	tagBitString        = 0x03
	tagNull             = 0x05
	tagObjectIdentifier = 0x06
	tagSequence         = 0x30
)

// oidRSAEncryption is the pre-encoded content of OID 1.2.840.113549.1.1.1.
var oidRSAEncryption = []byte{0x2A, 0x86, 0x48, 0x86, 0xF7, 0x0D, 0x01, 0x01, 0x01}

// encodeLength returns the DER length octets for n.
func encodeLength(n int) []byte {
	if n < 128 {
		return []byte{byte(n)}
	}
	var octets []byte
	for v := n; v > 0; v >>= 8 {
		octets = append([]byte{byte(v & 0xFF)}, octets...)
	}
	return append([]byte{0x80 | byte(len(octets))}, octets...)
}

func encodeTLV(tag byte, content []byte) []byte {
	length := encodeLength(len(content))
	out := make([]byte, 0, 1+len(length)+len(content))
	out = append(out, tag)
	out = append(out, length...)
	return append(out, content...)
}

// encodeInteger encodes an unsigned big-endian magnitude as a non-negative
// INTEGER. Redundant leading zero octets are dropped and a 0x00 pad is added
// when the high bit of the first octet is set.
func encodeInteger(magnitude []byte) []byte {
	for len(magnitude) > 1 && magnitude[0] == 0 {
		magnitude = magnitude[1:]
	}
	if len(magnitude) > 0 && magnitude[0]&0x80 != 0 {
		padded := make([]byte, 0, len(magnitude)+1)
		padded = append(padded, 0x00)
		magnitude = append(padded, magnitude...)
	}
	return encodeTLV(tagInteger, magnitude)
}

// encodeBitString wraps data with a zero unused-bits octet.
func encodeBitString(data []byte) []byte {
	content := make([]byte, 0, len(data)+1)
	content = append(content, 0x00)
	return encodeTLV(tagBitString, append(content, data...))
}

func encodeObjectIdentifier(oid []byte) []byte {
	return encodeTLV(tagObjectIdentifier, oid)
}

func encodeNull() []byte {
	return []byte{tagNull, 0x00}
}

func encodeSequence(children ...[]byte) []byte {
	var content []byte
	for _, c := range children {
		content = append(content, c...)
	}
	return encodeTLV(tagSequence, content)
}

// subjectPublicKeyInfo builds the DER SubjectPublicKeyInfo of an RSA key from
// its raw modulus and exponent.
func subjectPublicKeyInfo(n, e []byte) []byte {
	return encodeSequence(
		encodeSequence(
			encodeObjectIdentifier(oidRSAEncryption),
			encodeNull(),
		),
		encodeBitString(
			encodeSequence(
				encodeInteger(n),
				encodeInteger(e),
			),
		),
	)
}
