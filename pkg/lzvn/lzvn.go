// Package lzvn implements the decoder for Apple's LZVN compression as
// used inside compressed kernel images. The format is a byte-oriented
// opcode stream: each opcode carries a literal count L, a match count M
// and a match distance D, with dedicated opcodes for large literal and
// match runs and for reuse of the previous distance.
package lzvn

// Decompress inflates src into dst and returns the number of bytes
// produced. Decoding stops at the end-of-stream opcode, on a malformed
// opcode, or when either buffer is exhausted; a caller comparing the
// result against a declared size detects truncation.
func Decompress(dst, src []byte) int {
	var dp, sp int
	var dist int

	copyLiterals := func(n int) bool {
		if sp+n > len(src) || dp+n > len(dst) {
			return false
		}
		copy(dst[dp:], src[sp:sp+n])
		sp += n
		dp += n
		return true
	}

	copyMatch := func(n int) bool {
		if dist <= 0 || dist > dp || dp+n > len(dst) {
			return false
		}
		// Byte-wise copy: the match source may overlap the output.
		for i := 0; i < n; i++ {
			dst[dp] = dst[dp-dist]
			dp++
		}
		return true
	}

	for sp < len(src) {
		opc := src[sp]

		switch {
		case opc == 0x06: // end of stream
			return dp
		case opc == 0x0e, opc == 0x16: // nop
			sp++
		case opc >= 0xd0 && opc <= 0xdf: // undefined
			return 0
		case opc >= 0x70 && opc <= 0x7f: // undefined
			return 0
		case opc == 0xe0: // large literal
			if sp+2 > len(src) {
				return 0
			}
			n := int(src[sp+1]) + 16
			sp += 2
			if !copyLiterals(n) {
				return 0
			}
		case opc > 0xe0 && opc <= 0xef: // small literal
			n := int(opc & 0x0f)
			sp++
			if !copyLiterals(n) {
				return 0
			}
		case opc == 0xf0: // large match, previous distance
			if sp+2 > len(src) {
				return 0
			}
			n := int(src[sp+1]) + 16
			sp += 2
			if !copyMatch(n) {
				return 0
			}
		case opc > 0xf0: // small match, previous distance
			n := int(opc & 0x0f)
			sp++
			if !copyMatch(n) {
				return 0
			}
		case opc >= 0xa0 && opc <= 0xbf: // medium distance
			if sp+3 > len(src) {
				return 0
			}
			b1, b2 := src[sp+1], src[sp+2]
			l := int(opc>>3) & 3
			m := (int(opc&7)<<2 | int(b1&3)) + 3
			dist = int(b2)<<6 | int(b1)>>2
			sp += 3
			if !copyLiterals(l) || !copyMatch(m) {
				return 0
			}
		case opc&7 == 7: // large distance
			if sp+3 > len(src) {
				return 0
			}
			l := int(opc >> 6)
			m := int(opc>>3)&7 + 3
			dist = int(src[sp+1]) | int(src[sp+2])<<8
			sp += 3
			if !copyLiterals(l) || !copyMatch(m) {
				return 0
			}
		case opc&7 == 6: // previous distance
			l := int(opc >> 6)
			m := int(opc>>3)&7 + 3
			sp++
			if !copyLiterals(l) || !copyMatch(m) {
				return 0
			}
		default: // small distance
			if sp+2 > len(src) {
				return 0
			}
			l := int(opc >> 6)
			m := int(opc>>3)&7 + 3
			dist = int(opc&7)<<8 | int(src[sp+1])
			sp += 2
			if !copyLiterals(l) || !copyMatch(m) {
				return 0
			}
		}
	}

	return dp
}
