package ordinals

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Rune is the canonical u128 encoding of a rune name. Names are modified
// base-26: "A" is 0, "Z" is 25, "AA" is 26, and so on.
type Rune struct {
	Value uint256.Int
}

// reservedBase is the value of the first reserved rune name,
// "AAAAAAAAAAAAAAAAAAAAAAAAAAA".
var reservedBase = uint256.MustFromDecimal("6402364363415443603228541259936211926")

// unlockSteps[n] is the value of the first rune name of length n+1.
var unlockSteps = []uint64{
	0,                 // A
	26,                // AA
	702,               // AAA
	18278,             // AAAA
	475254,            // AAAAA
	12356630,          // AAAAAA
	321272406,         // AAAAAAA
	8353082582,        // AAAAAAAA
	217180147158,      // AAAAAAAAA
	5646683826134,     // AAAAAAAAAA
	146813779479510,   // AAAAAAAAAAA
	3817158266467286,  // AAAAAAAAAAAA
	99246114928149462, // AAAAAAAAAAAAA
}

// NewRune builds a rune from a small value, mostly for tests.
func NewRune(n uint64) Rune {
	var r Rune
	r.Value.SetUint64(n)
	return r
}

// RuneFromValue wraps a u128 value.
func RuneFromValue(v *uint256.Int) Rune {
	var r Rune
	r.Value.Set(v)
	return r
}

// IsReserved reports whether the name lies in the reserved range, which is
// allocated by the indexer to etchings that do not pick a name themselves.
func (r Rune) IsReserved() bool {
	return r.Value.Cmp(reservedBase) >= 0
}

// Reserved returns the reserved rune name for the etching at (block, tx).
func Reserved(block uint64, tx uint32) Rune {
	var seq uint256.Int
	seq.SetUint64(block)
	seq.Lsh(&seq, 32)
	var txv uint256.Int
	txv.SetUint64(uint64(tx))
	seq.Or(&seq, &txv)
	var r Rune
	r.Value.Add(reservedBase, &seq)
	return r
}

// Cmp compares two rune names.
func (r Rune) Cmp(other Rune) int {
	return r.Value.Cmp(&other.Value)
}

// String renders the modified base-26 name.
func (r Rune) String() string {
	n := new(uint256.Int).Set(&r.Value)
	n.AddUint64(n, 1)
	var b []byte
	rem := new(uint256.Int)
	twentySix := uint256.NewInt(26)
	for !n.IsZero() {
		n.SubUint64(n, 1)
		n.DivMod(n, twentySix, rem)
		b = append(b, byte('A'+rem.Uint64()))
	}
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// ParseRune parses an unspaced rune name.
func ParseRune(s string) (Rune, error) {
	var r Rune
	if s == "" {
		return r, fmt.Errorf("empty rune name")
	}
	x := new(uint256.Int)
	for i, c := range s {
		if c < 'A' || c > 'Z' {
			return r, fmt.Errorf("invalid character %q in rune name", c)
		}
		if i > 0 {
			x.AddUint64(x, 1)
		}
		var overflow bool
		if _, overflow = x.MulOverflow(x, uint256.NewInt(26)); overflow {
			return r, fmt.Errorf("rune name %q out of range", s)
		}
		x.AddUint64(x, uint64(c-'A'))
	}
	if x.BitLen() > 128 {
		return r, fmt.Errorf("rune name %q out of range", s)
	}
	r.Value.Set(x)
	return r, nil
}

// MinimumAtHeight returns the shortest rune name that may be etched at the
// given height. Names unlock one length step per interval over one halving
// period starting at the chain's first rune height; before the period every
// name is locked behind the 13-character floor, after it all names are open.
func MinimumAtHeight(firstRuneHeight uint32, height uint32) Rune {
	offset := uint64(height) + 1
	interval := uint64(HalvingInterval / 12)
	start := uint64(firstRuneHeight)
	end := start + HalvingInterval

	if offset < start {
		return NewRune(unlockSteps[12])
	}
	if offset >= end {
		return NewRune(0)
	}

	progress := offset - start
	length := 12 - progress/interval
	endStep := unlockSteps[length-1]
	startStep := unlockSteps[length]
	remainder := progress % interval
	// The product can exceed 64 bits in the first two intervals.
	step := uint256.NewInt(startStep - endStep)
	step.Mul(step, uint256.NewInt(remainder))
	step.Div(step, uint256.NewInt(interval))
	return NewRune(startStep - step.Uint64())
}

// Commitment returns the little-endian byte encoding of the name with
// trailing zeros trimmed, the form committed to in a taproot script when
// etching a named rune.
func (r Rune) Commitment() []byte {
	be := r.Value.Bytes32()
	buf := make([]byte, 0, 16)
	for i := 31; i >= 16; i-- {
		buf = append(buf, be[i])
	}
	for len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return buf
}

// SpacedRune is a rune name with display spacers between letters.
type SpacedRune struct {
	Rune    Rune
	Spacers uint32
}

func (sr SpacedRune) String() string {
	name := sr.Rune.String()
	var b strings.Builder
	for i, c := range name {
		b.WriteRune(c)
		if i < len(name)-1 && sr.Spacers&(1<<uint(i)) != 0 {
			b.WriteRune('•')
		}
	}
	return b.String()
}

// ParseSpacedRune accepts '•' or '.' as spacers. A spacer may not lead,
// trail, or repeat.
func ParseSpacedRune(s string) (SpacedRune, error) {
	var sr SpacedRune
	var name strings.Builder
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
			name.WriteRune(c)
		case c == '•' || c == '.':
			if name.Len() == 0 {
				return sr, fmt.Errorf("leading spacer in %q", s)
			}
			flag := uint32(1) << uint(name.Len()-1)
			if sr.Spacers&flag != 0 {
				return sr, fmt.Errorf("double spacer in %q", s)
			}
			sr.Spacers |= flag
		default:
			return sr, fmt.Errorf("invalid character %q in spaced rune", c)
		}
	}
	if name.Len() == 0 {
		return sr, fmt.Errorf("empty rune name")
	}
	if sr.Spacers != 0 && sr.Spacers>>(uint(name.Len())-1) != 0 {
		return sr, fmt.Errorf("trailing spacer in %q", s)
	}
	r, err := ParseRune(name.String())
	if err != nil {
		return sr, err
	}
	sr.Rune = r
	return sr, nil
}
