package sketch

// Arithmetic in GF(2^32), represented as GF(2)[x] modulo the irreducible
// polynomial x^32 + x^7 + x^3 + x^2 + 1. Field elements are uint32 bit
// vectors, addition is xor.

// low 32 bits of the modulus (x^7 + x^3 + x^2 + 1).
const modLow = 0x8d

func gfMul(a, b uint32) uint32 {
	var r uint64
	x := uint64(a)
	for y := b; y != 0; y >>= 1 {
		if y&1 != 0 {
			r ^= x
		}
		x <<= 1
	}
	// reduce the 63-bit carryless product
	for i := 63; i >= 32; i-- {
		if r&(1<<uint(i)) != 0 {
			r ^= (1 << uint(i)) | (modLow << uint(i-32))
		}
	}
	return uint32(r)
}

func gfSqr(a uint32) uint32 {
	return gfMul(a, a)
}

// gfInv computes the multiplicative inverse as a^(2^32-2).
// Panics on zero, which has no inverse.
func gfInv(a uint32) uint32 {
	if a == 0 {
		panic("BUG: inverting zero field element")
	}
	// 2^32-2 = 0xfffffffe
	r := uint32(1)
	base := a
	for e := uint32(0xfffffffe); e != 0; e >>= 1 {
		if e&1 != 0 {
			r = gfMul(r, base)
		}
		base = gfSqr(base)
	}
	return r
}

func gfDiv(a, b uint32) uint32 {
	return gfMul(a, gfInv(b))
}
