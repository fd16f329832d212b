package sketch

import "slices"

// Polynomials over GF(2^32) with coefficients stored low to high.
// The zero polynomial is the empty slice; all other values are kept trimmed,
// so the last coefficient is non-zero.

func polyTrim(p []uint32) []uint32 {
	for len(p) > 0 && p[len(p)-1] == 0 {
		p = p[:len(p)-1]
	}
	return p
}

func polyAdd(a, b []uint32) []uint32 {
	if len(b) > len(a) {
		a, b = b, a
	}
	r := slices.Clone(a)
	for i := range b {
		r[i] ^= b[i]
	}
	return polyTrim(r)
}

func polyMul(a, b []uint32) []uint32 {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	r := make([]uint32, len(a)+len(b)-1)
	for i, ca := range a {
		if ca == 0 {
			continue
		}
		for j, cb := range b {
			r[i+j] ^= gfMul(ca, cb)
		}
	}
	return polyTrim(r)
}

// polyMonic scales p so that its leading coefficient is 1.
func polyMonic(p []uint32) []uint32 {
	p = polyTrim(p)
	if len(p) == 0 || p[len(p)-1] == 1 {
		return p
	}
	inv := gfInv(p[len(p)-1])
	r := make([]uint32, len(p))
	for i, c := range p {
		r[i] = gfMul(c, inv)
	}
	return r
}

// polyDivMod divides a by a monic divisor m, returning quotient and remainder.
func polyDivMod(a, m []uint32) (q, r []uint32) {
	r = slices.Clone(polyTrim(a))
	if len(r) < len(m) {
		return nil, r
	}
	q = make([]uint32, len(r)-len(m)+1)
	for len(r) >= len(m) {
		d := len(r) - len(m)
		c := r[len(r)-1]
		q[d] = c
		for i, mc := range m {
			r[d+i] ^= gfMul(c, mc)
		}
		r = polyTrim(r)
	}
	return polyTrim(q), r
}

func polyMod(a, m []uint32) []uint32 {
	_, r := polyDivMod(a, m)
	return r
}

func polyMulMod(a, b, m []uint32) []uint32 {
	return polyMod(polyMul(a, b), m)
}

// polyGCD returns the monic greatest common divisor of a and b.
func polyGCD(a, b []uint32) []uint32 {
	a, b = polyTrim(a), polyTrim(b)
	for len(b) > 0 {
		b = polyMonic(b)
		a, b = b, polyMod(a, b)
	}
	return polyMonic(a)
}

// berlekampMassey finds the minimal LFSR generating the syndrome sequence s.
// It returns the connection polynomial c (with c[0] == 1) and the LFSR length.
func berlekampMassey(s []uint32) ([]uint32, int) {
	c := []uint32{1}
	b := []uint32{1}
	var l int
	m := 1
	bd := uint32(1) // discrepancy at the last length change
	for n := range s {
		d := s[n]
		for i := 1; i <= l && i < len(c); i++ {
			d ^= gfMul(c[i], s[n-i])
		}
		if d == 0 {
			m++
			continue
		}
		coef := gfDiv(d, bd)
		adj := make([]uint32, len(b)+m)
		for i, bc := range b {
			adj[i+m] = gfMul(coef, bc)
		}
		next := polyAdd(c, adj)
		if 2*l <= n {
			b = c
			bd = d
			l = n + 1 - l
			m = 1
		} else {
			m++
		}
		c = next
	}
	return polyTrim(c), l
}

// fullySplits reports whether the monic polynomial p is a product of distinct
// linear factors over the field, by checking x^(2^32) == x (mod p).
func fullySplits(p []uint32) bool {
	if len(p) <= 2 {
		return true
	}
	f := []uint32{0, 1}
	for i := 0; i < 32; i++ {
		f = polyMulMod(f, f, p)
	}
	return slices.Equal(f, []uint32{0, 1})
}

// tracePoly computes the trace polynomial Tr(beta*x) mod m, which maps every
// field element to GF(2) and therefore splits m into the factors whose roots
// trace to 0 and to 1 under beta.
func tracePoly(beta uint32, m []uint32) []uint32 {
	t := polyMod([]uint32{0, beta}, m)
	acc := t
	for i := 1; i < 32; i++ {
		t = polyMulMod(t, t, m)
		acc = polyAdd(acc, t)
	}
	return acc
}

// findRoots returns the roots of a monic polynomial known to be a product of
// distinct linear factors. Splitting is deterministic: for any two distinct
// roots some basis element beta separates them by trace.
func findRoots(p []uint32) []uint32 {
	roots := make([]uint32, 0, len(p)-1)
	var rec func(p []uint32) bool
	rec = func(p []uint32) bool {
		switch len(p) {
		case 0:
			return false
		case 1:
			return true
		case 2:
			// monic linear factor x + c has the root c in char 2
			roots = append(roots, p[0])
			return true
		}
		for i := 0; i < 32; i++ {
			tr := tracePoly(1<<uint(i), p)
			g := polyGCD(tr, p)
			if len(g) > 1 && len(g) < len(p) {
				q, _ := polyDivMod(p, g)
				return rec(g) && rec(polyMonic(q))
			}
		}
		return false
	}
	if !rec(p) {
		return nil
	}
	return roots
}
