package crypto

// Nfold stretches or folds input to n bits (RFC 3961 section 5.1). n must
// be a multiple of 8.
//
// The input is replicated lcm(n, k)/k times, each copy rotated right by 13
// bits more than the previous, and the concatenation is summed in n-bit
// chunks with ones' complement addition.
func Nfold(input []byte, n int) []byte {
	k := len(input) * 8
	if k == 0 || n <= 0 || n%8 != 0 {
		return nil
	}
	l := lcm(n, k)

	buf := make([]byte, 0, l/8)
	for i := 0; i < l/k; i++ {
		buf = append(buf, rotateRight(input, 13*i)...)
	}

	out := make([]byte, n/8)
	for off := 0; off < len(buf); off += n / 8 {
		onesComplementAdd(out, buf[off:off+n/8])
	}
	return out
}

// rotateRight rotates b right by step bits, treating b as one big-endian
// bit string.
func rotateRight(b []byte, step int) []byte {
	bits := len(b) * 8
	out := make([]byte, len(b))
	for i := 0; i < bits; i++ {
		if b[i/8]>>(7-uint(i%8))&1 == 0 {
			continue
		}
		d := (i + step) % bits
		out[d/8] |= 1 << (7 - uint(d%8))
	}
	return out
}

// onesComplementAdd adds src into dst, both big-endian and of equal length,
// wrapping the final carry back into the least significant byte.
func onesComplementAdd(dst, src []byte) {
	carry := 0
	for i := len(dst) - 1; i >= 0; i-- {
		s := int(dst[i]) + int(src[i]) + carry
		dst[i] = byte(s)
		carry = s >> 8
	}
	for carry != 0 {
		for i := len(dst) - 1; i >= 0 && carry != 0; i-- {
			s := int(dst[i]) + carry
			dst[i] = byte(s)
			carry = s >> 8
		}
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	return a / gcd(a, b) * b
}
