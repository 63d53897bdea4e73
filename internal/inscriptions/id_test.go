package inscriptions

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func testTxid(t *testing.T, digit string) chainhash.Hash {
	t.Helper()
	hash, err := chainhash.NewHashFromStr(strings.Repeat(digit, 64))
	if err != nil {
		t.Fatal(err)
	}
	return *hash
}

func TestInscriptionIDDisplay(t *testing.T) {
	id := InscriptionID{Txid: testTxid(t, "1"), Index: 1}
	want := strings.Repeat("1", 64) + "i1"
	if got := id.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	id.Index = 0xFFFFFFFF
	want = strings.Repeat("1", 64) + "i4294967295"
	if got := id.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParseInscriptionID(t *testing.T) {
	id, err := ParseInscriptionID(strings.Repeat("1", 64) + "i1")
	if err != nil {
		t.Fatal(err)
	}
	if id.Index != 1 || id.Txid != testTxid(t, "1") {
		t.Errorf("parsed %v", id)
	}
}

func TestParseInscriptionIDErrors(t *testing.T) {
	cases := map[string]string{
		"bad character": "→",
		"bad length":    "foo",
		"bad separator": strings.Repeat("0", 64) + "x0",
		"bad index":     strings.Repeat("0", 64) + "ifoo",
		"bad txid":      "x" + strings.Repeat("0", 63) + "i0",
	}
	for name, input := range cases {
		if _, err := ParseInscriptionID(input); err == nil {
			t.Errorf("%s: expected error for %q", name, input)
		}
	}
}

func TestInscriptionIDBytesRoundTrip(t *testing.T) {
	for _, index := range []uint32{0, 1, 255, 256, 0xFFFFFFFF} {
		id := InscriptionID{Txid: testTxid(t, "a"), Index: index}
		encoded := id.Bytes()
		decoded, err := InscriptionIDFromBytes(encoded)
		if err != nil {
			t.Fatal(err)
		}
		if decoded != id {
			t.Errorf("round trip %d: got %v", index, decoded)
		}
	}
	// Index 0 trims to the bare txid.
	id := InscriptionID{Txid: testTxid(t, "a")}
	if len(id.Bytes()) != 32 {
		t.Errorf("index 0 encoding length = %d", len(id.Bytes()))
	}
}
