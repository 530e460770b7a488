package sketch

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	// BytesPerCapacityUnit is the serialized size of one syndrome.
	BytesPerCapacityUnit = 4

	// QPrecision is the fixed-point denominator for the set-difference
	// coefficient q carried in reconciliation requests.
	QPrecision = (2 << 14) - 1

	// DefaultQ is q = 0.01 in fixed point, the coefficient suggested by
	// the Erlay paper.
	DefaultQ = QPrecision / 100
)

// Sketch holds the odd power-sum syndromes s1, s3, ..., s_(2c-1) of a set
// of nonzero 32-bit elements. Capacity c bounds the size of a decodable
// symmetric difference.
type Sketch struct {
	syndromes []uint32
}

func New(capacity int) *Sketch {
	return &Sketch{syndromes: make([]uint32, capacity)}
}

// FromElements builds a sketch of the given capacity over the elements.
func FromElements(elements []uint32, capacity int) *Sketch {
	s := New(capacity)
	for _, e := range elements {
		s.Add(e)
	}
	return s
}

func (s *Sketch) Capacity() int {
	return len(s.syndromes)
}

// Add mixes a nonzero element into every syndrome.
func (s *Sketch) Add(element uint32) {
	if element == 0 {
		panic("sketch: zero element")
	}
	sq := gfSqr(element)
	cur := element
	for i := range s.syndromes {
		s.syndromes[i] ^= cur
		cur = gfMul(cur, sq)
	}
}

// Merge XORs the other sketch in. Since each element contributes its
// syndromes linearly, merging two sketches yields the sketch of the
// symmetric difference of the two sets.
func (s *Sketch) Merge(other *Sketch) error {
	if len(other.syndromes) != len(s.syndromes) {
		return fmt.Errorf("sketch: capacity mismatch: %d vs %d", len(s.syndromes), len(other.syndromes))
	}
	for i, syn := range other.syndromes {
		s.syndromes[i] ^= syn
	}
	return nil
}

// Serialize writes the syndromes as little-endian 32-bit words.
func (s *Sketch) Serialize() []byte {
	out := make([]byte, len(s.syndromes)*BytesPerCapacityUnit)
	for i, syn := range s.syndromes {
		binary.LittleEndian.PutUint32(out[i*4:], syn)
	}
	return out
}

func Deserialize(data []byte) (*Sketch, error) {
	if len(data)%BytesPerCapacityUnit != 0 {
		return nil, fmt.Errorf("sketch: truncated serialization: %d bytes", len(data))
	}
	s := New(len(data) / BytesPerCapacityUnit)
	for i := range s.syndromes {
		s.syndromes[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return s, nil
}

// Decode recovers the elements of a difference sketch, sorted ascending.
// ok is false when the syndromes do not yield a locator of degree at most
// the capacity that splits into distinct roots reproducing them; a
// difference larger than the capacity usually fails this way. Such a
// difference is not always detected: when its syndromes equal those of a
// smaller set, that smaller set is returned with ok true.
func (s *Sketch) Decode() ([]uint32, bool) {
	c := len(s.syndromes)
	if c == 0 {
		return nil, false
	}
	allZero := true
	for _, syn := range s.syndromes {
		if syn != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, true
	}

	// Rebuild the full syndrome sequence s1..s_(2c): even power sums of
	// a set over a binary field are squares of earlier ones.
	full := make([]uint32, 2*c)
	for i := 0; i < c; i++ {
		full[2*i] = s.syndromes[i]
	}
	for k := 1; k <= c; k++ {
		full[2*k-1] = gfSqr(full[k-1])
	}

	locator := berlekampMassey(full)
	degree := polyDeg(locator)
	if degree == 0 || degree > c {
		return nil, false
	}
	// Elements are the inverse roots of the locator; reversing the
	// coefficients gives the polynomial with the elements themselves as
	// roots. A zero leading term would make 0 a decoded element, which
	// no valid sketch produces.
	if locator[degree] == 0 {
		return nil, false
	}
	reversed := make([]uint32, degree+1)
	for i, coef := range locator {
		reversed[degree-i] = coef
	}
	if !splitsCompletely(reversed) {
		return nil, false
	}
	roots := findRoots(polyMonic(reversed), make([]uint32, 0, degree))
	if len(roots) != degree {
		return nil, false
	}

	// The recurrence alone does not guarantee the roots reproduce the
	// input syndromes; verify before trusting the decode.
	check := FromElements(roots, c)
	for i, syn := range check.syndromes {
		if syn != s.syndromes[i] {
			return nil, false
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	return roots, true
}

// EstimateCapacity sizes a sketch for the expected set difference given
// both set sizes and the fixed-point coefficient q: the guaranteed
// difference plus a q-weighted allowance for the shared portion.
func EstimateCapacity(ourSize, theirSize int, qFixed uint16) int {
	diff := ourSize - theirSize
	if diff < 0 {
		diff = -diff
	}
	min := ourSize
	if theirSize < min {
		min = theirSize
	}
	capacity := diff + int(uint64(qFixed)*uint64(min)/QPrecision) + 1
	if capacity < 9 {
		capacity++
	}
	return capacity
}
