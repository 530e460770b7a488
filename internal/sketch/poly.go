package sketch

// Polynomials over GF(2^32), coefficient of x^i at index i, leading
// coefficient nonzero (except for the zero polynomial, which is empty).

func polyTrim(p []uint32) []uint32 {
	for len(p) > 0 && p[len(p)-1] == 0 {
		p = p[:len(p)-1]
	}
	return p
}

func polyDeg(p []uint32) int {
	return len(p) - 1
}

// polyMod returns a mod m; a itself is left unmodified.
func polyMod(a, m []uint32) []uint32 {
	a = polyTrim(append([]uint32(nil), a...))
	lead := gfInv(m[len(m)-1])
	for len(a) >= len(m) {
		shift := len(a) - len(m)
		factor := gfMul(a[len(a)-1], lead)
		for i, c := range m {
			a[shift+i] ^= gfMul(factor, c)
		}
		a = polyTrim(a)
	}
	return a
}

func polyMulMod(a, b, m []uint32) []uint32 {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	prod := make([]uint32, len(a)+len(b)-1)
	for i, ca := range a {
		if ca == 0 {
			continue
		}
		for j, cb := range b {
			prod[i+j] ^= gfMul(ca, cb)
		}
	}
	return polyMod(prod, m)
}

func polyMonic(p []uint32) []uint32 {
	out := append([]uint32(nil), p...)
	lead := out[len(out)-1]
	if lead == 1 {
		return out
	}
	inv := gfInv(lead)
	for i := range out {
		out[i] = gfMul(out[i], inv)
	}
	return out
}

func polyGCD(a, b []uint32) []uint32 {
	a = polyTrim(append([]uint32(nil), a...))
	b = polyTrim(append([]uint32(nil), b...))
	for len(b) > 0 {
		a, b = b, polyMod(a, b)
	}
	return a
}

// polyDivExact divides a by its known factor d.
func polyDivExact(a, d []uint32) []uint32 {
	a = append([]uint32(nil), a...)
	q := make([]uint32, len(a)-len(d)+1)
	lead := gfInv(d[len(d)-1])
	for i := len(a) - len(d); i >= 0; i-- {
		factor := gfMul(a[i+len(d)-1], lead)
		q[i] = factor
		if factor == 0 {
			continue
		}
		for j, c := range d {
			a[i+j] ^= gfMul(factor, c)
		}
	}
	return q
}

// berlekampMassey finds the minimal connection polynomial of the syndrome
// sequence: C(z) with C[0]=1 such that every syndrome equals the
// C-weighted sum of its predecessors. For a valid sketch this is the
// locator polynomial whose inverse roots are the set elements.
func berlekampMassey(syndromes []uint32) []uint32 {
	c := []uint32{1}
	b := []uint32{1}
	l, m := 0, 1
	var lastDisc uint32 = 1
	for n := 0; n < len(syndromes); n++ {
		d := syndromes[n]
		for i := 1; i <= l && i < len(c); i++ {
			d ^= gfMul(c[i], syndromes[n-i])
		}
		if d == 0 {
			m++
			continue
		}
		coef := gfMul(d, gfInv(lastDisc))
		if 2*l <= n {
			prev := append([]uint32(nil), c...)
			c = polyAddShifted(c, b, coef, m)
			l = n + 1 - l
			b = prev
			lastDisc = d
			m = 1
		} else {
			c = polyAddShifted(c, b, coef, m)
			m++
		}
	}
	out := make([]uint32, l+1)
	copy(out, c)
	return out
}

// polyAddShifted returns c + coef * x^shift * b (addition is XOR).
func polyAddShifted(c, b []uint32, coef uint32, shift int) []uint32 {
	n := len(c)
	if len(b)+shift > n {
		n = len(b) + shift
	}
	out := make([]uint32, n)
	copy(out, c)
	for i, cb := range b {
		out[i+shift] ^= gfMul(coef, cb)
	}
	return out
}

// splitsCompletely checks x^(2^32) == x mod p, i.e. that p is squarefree
// and a product of linear factors. Anything else means the syndromes did
// not come from a decodable sketch.
func splitsCompletely(p []uint32) bool {
	if polyDeg(p) <= 1 {
		return true
	}
	t := []uint32{0, 1}
	for i := 0; i < 32; i++ {
		t = polyMulMod(t, t, p)
	}
	diff := polyAddShifted(t, []uint32{0, 1}, 1, 0)
	return len(polyTrim(diff)) == 0
}

// findRoots returns the roots of a monic polynomial known to split into
// distinct linear factors, using recursive trace splitting: for any beta,
// gcd(p, Tr(beta*x)) separates the roots by their trace bit. The beta
// sequence is a deterministic walk so both peers and repeated runs decode
// identically.
func findRoots(p []uint32, out []uint32) []uint32 {
	switch polyDeg(p) {
	case 0:
		return out
	case 1:
		// x + a has root a.
		return append(out, p[0])
	}
	beta := uint32(2)
	for {
		tr := tracePoly(beta, p)
		g := polyGCD(p, tr)
		if d := polyDeg(g); d > 0 && d < polyDeg(p) {
			g = polyMonic(g)
			rest := polyMonic(polyDivExact(p, g))
			out = findRoots(g, out)
			return findRoots(rest, out)
		}
		beta = gfMul(beta, 2)
		if beta == 2 {
			// The multiplicative walk wrapped; cannot happen for a
			// squarefree product of linear factors.
			return nil
		}
	}
}

// tracePoly computes Tr(beta*x) mod p = sum of (beta*x)^(2^i) for i in
// [0,31].
func tracePoly(beta uint32, p []uint32) []uint32 {
	t := polyMod([]uint32{0, beta}, p)
	acc := append([]uint32(nil), t...)
	for i := 1; i < 32; i++ {
		t = polyMulMod(t, t, p)
		acc = polyAddShifted(acc, t, 1, 0)
	}
	return polyTrim(acc)
}
