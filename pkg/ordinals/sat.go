package ordinals

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// SatsPerBTC is the number of satoshis in one bitcoin.
	SatsPerBTC = 100_000_000

	// HalvingInterval is the number of blocks between subsidy halvings.
	HalvingInterval = 210_000

	// LastSupplySat is the ordinal number of the final satoshi that will
	// ever be mined.
	LastSupplySat = 2099999997689999
)

// Sat is the ordinal number of a single satoshi, counted from the first
// satoshi of the genesis block.
type Sat uint64

// Height is a block height.
type Height uint32

// Subsidy returns the block subsidy at this height, in sats.
func (h Height) Subsidy() uint64 {
	halvings := uint64(h) / HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return (50 * SatsPerBTC) >> halvings
}

// StartingSat returns the ordinal of the first satoshi mined at this height.
func (h Height) StartingSat() Sat {
	var sat uint64
	epoch := uint64(h) / HalvingInterval
	subsidy := uint64(50 * SatsPerBTC)
	for e := uint64(0); e < epoch; e++ {
		sat += subsidy * HalvingInterval
		subsidy >>= 1
	}
	sat += subsidy * (uint64(h) % HalvingInterval)
	return Sat(sat)
}

// Common reports whether the sat is common, i.e. not the first satoshi of
// any block. Uncommon sats get individual satpoint entries when the sat
// index is enabled.
func (s Sat) Common() bool {
	sat := uint64(s)
	subsidy := uint64(50 * SatsPerBTC)
	var start uint64
	for {
		epochSats := subsidy * HalvingInterval
		if subsidy == 0 || sat < start+epochSats {
			break
		}
		start += epochSats
		subsidy >>= 1
	}
	if subsidy == 0 {
		return true
	}
	return (sat-start)%subsidy != 0
}

// N returns the sat as a plain integer.
func (s Sat) N() uint64 {
	return uint64(s)
}

// Name returns the sat's name, a base-26 string that shrinks as the sat
// number grows, reaching "a" at the final satoshi.
func (s Sat) Name() string {
	x := LastSupplySat - uint64(s)
	var b []byte
	for {
		b = append(b, byte('a'+x%26))
		x /= 26
		if x == 0 {
			break
		}
		x--
	}
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// ParseSat accepts either a decimal ordinal or a sat name.
func ParseSat(s string) (Sat, error) {
	if s == "" {
		return 0, fmt.Errorf("empty sat")
	}
	if s[0] >= '0' && s[0] <= '9' {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid sat %q: %w", s, err)
		}
		if n > LastSupplySat {
			return 0, fmt.Errorf("sat %d exceeds supply", n)
		}
		return Sat(n), nil
	}
	return satFromName(s)
}

func satFromName(name string) (Sat, error) {
	var x uint64
	for i, c := range strings.ToLower(name) {
		if c < 'a' || c > 'z' {
			return 0, fmt.Errorf("invalid character %q in sat name", c)
		}
		if i > 0 {
			x++
		}
		next := x*26 + uint64(c-'a')
		if next < x {
			return 0, fmt.Errorf("sat name %q out of range", name)
		}
		x = next
	}
	if x > LastSupplySat {
		return 0, fmt.Errorf("sat name %q out of range", name)
	}
	return Sat(LastSupplySat - x), nil
}
