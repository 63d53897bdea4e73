// Package inscriptions parses inscription envelopes out of transaction
// witnesses and models the inscription payload.
package inscriptions

import (
	"encoding/binary"
)

// Envelope field tags. Even tags affect how an inscription is interpreted
// and an unrecognized even tag curses the inscription; odd tags are
// informational and unknown ones are ignored.
const (
	TagPointer         = 2
	TagUnbound         = 66
	TagContentType     = 1
	TagParent          = 3
	TagMetadata        = 5
	TagMetaprotocol    = 7
	TagContentEncoding = 9
	TagDelegate        = 11
	TagRune            = 13
	TagNote            = 15
	TagNop             = 255
)

// Inscription is the decoded payload of one envelope.
type Inscription struct {
	Body            []byte
	ContentEncoding []byte
	ContentType     []byte
	Delegate        []byte
	Metadata        []byte
	Metaprotocol    []byte
	Parents         [][]byte
	Pointer         []byte
	Rune            []byte

	// Parse defects. Any of these curses the inscription before the
	// jubilee height.
	DuplicateField        bool
	IncompleteField       bool
	UnrecognizedEvenField bool
}

// PointerValue decodes the pointer field as a little-endian integer.
// Returns false when the field is absent or wider than 64 bits.
func (i *Inscription) PointerValue() (uint64, bool) {
	if i.Pointer == nil {
		return 0, false
	}
	b := i.Pointer
	if len(b) > 8 {
		for _, extra := range b[8:] {
			if extra != 0 {
				return 0, false
			}
		}
		b = b[:8]
	}
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:]), true
}

// ParentIDs decodes the parent fields, dropping any with invalid encoding.
func (i *Inscription) ParentIDs() []InscriptionID {
	var out []InscriptionID
	for _, raw := range i.Parents {
		id, err := InscriptionIDFromBytes(raw)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// DelegateID decodes the delegate field, if present and well-formed.
func (i *Inscription) DelegateID() (InscriptionID, bool) {
	if i.Delegate == nil {
		return InscriptionID{}, false
	}
	id, err := InscriptionIDFromBytes(i.Delegate)
	if err != nil {
		return InscriptionID{}, false
	}
	return id, true
}

// ContentTypeString returns the content type as a string, or "" if unset.
func (i *Inscription) ContentTypeString() string {
	return string(i.ContentType)
}

// ContentLength returns the body length and whether a body is present.
func (i *Inscription) ContentLength() (int, bool) {
	if i.Body == nil {
		return 0, false
	}
	return len(i.Body), true
}
