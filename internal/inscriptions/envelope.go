package inscriptions

import (
	"bytes"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ordMarker is the protocol tag pushed right after OP_FALSE OP_IF.
var ordMarker = []byte("ord")

// ParsedEnvelope is one inscription envelope lifted out of a witness
// script, together with where it sat in the transaction.
type ParsedEnvelope struct {
	Payload Inscription
	// Input is the index of the input whose witness carried the envelope.
	Input uint32
	// Offset counts prior envelopes in the same input.
	Offset uint32
	// PushNum is set when the envelope used OP_1NEGATE or OP_1..OP_16 to
	// push payload data.
	PushNum bool
	// Stutter is set when the envelope was preceded in the same script by
	// an opened-but-abandoned envelope pattern.
	Stutter bool
}

// instruction is a single tokenized script element.
type instruction struct {
	opcode byte
	data   []byte
	isPush bool
}

// EnvelopesFromTransaction extracts every envelope from the transaction's
// witnesses, in input order. Malformed scripts yield no envelopes; they
// never fail the caller.
func EnvelopesFromTransaction(tx *wire.MsgTx) []ParsedEnvelope {
	var envelopes []ParsedEnvelope
	for inputIndex, txIn := range tx.TxIn {
		script := tapscript(txIn.Witness)
		if script == nil {
			continue
		}
		instrs, ok := tokenize(script)
		if !ok {
			continue
		}
		envelopes = append(envelopes, envelopesFromScript(instrs, uint32(inputIndex))...)
	}
	return envelopes
}

// tapscript returns the script-path leaf script from a taproot witness, or
// nil for key-path spends and non-taproot witnesses.
func tapscript(witness wire.TxWitness) []byte {
	if len(witness) == 0 {
		return nil
	}
	elements := witness
	// Strip the annex if present.
	const annexTag = 0x50
	last := elements[len(elements)-1]
	if len(elements) >= 2 && len(last) > 0 && last[0] == annexTag {
		elements = elements[:len(elements)-1]
	}
	if len(elements) < 2 {
		return nil
	}
	return elements[len(elements)-2]
}

func tokenize(script []byte) ([]instruction, bool) {
	var instrs []instruction
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		op := tokenizer.Opcode()
		data := tokenizer.Data()
		instrs = append(instrs, instruction{
			opcode: op,
			data:   data,
			isPush: op <= txscript.OP_PUSHDATA4,
		})
	}
	if tokenizer.Err() != nil {
		return nil, false
	}
	return instrs, true
}

func isEmptyPush(in instruction) bool {
	return in.isPush && len(in.data) == 0
}

func envelopesFromScript(instrs []instruction, input uint32) []ParsedEnvelope {
	var envelopes []ParsedEnvelope
	stuttered := false
	var offset uint32
	for i := 0; i < len(instrs); {
		if !isEmptyPush(instrs[i]) {
			i++
			continue
		}
		env, next, ok, stutter := envelopeAt(instrs, i)
		if !ok {
			stuttered = stuttered || stutter
			i++
			continue
		}
		env.Input = input
		env.Offset = offset
		env.Stutter = stuttered
		envelopes = append(envelopes, env)
		offset++
		stuttered = false
		i = next
	}
	return envelopes
}

// envelopeAt parses one envelope whose OP_FALSE sits at instrs[start].
// When parsing fails, stutter reports whether the failing instruction could
// itself begin a new envelope.
func envelopeAt(instrs []instruction, start int) (env ParsedEnvelope, next int, ok bool, stutter bool) {
	if start+2 >= len(instrs) {
		return env, start, false, false
	}
	if instrs[start+1].opcode != txscript.OP_IF || instrs[start+1].isPush {
		return env, start, false, isEmptyPush(instrs[start+1])
	}
	if !instrs[start+2].isPush || !bytes.Equal(instrs[start+2].data, ordMarker) {
		return env, start, false, isEmptyPush(instrs[start+2])
	}

	var pushes [][]byte
	pushNum := false
	for i := start + 3; i < len(instrs); i++ {
		in := instrs[i]
		switch {
		case in.isPush:
			pushes = append(pushes, in.data)
		case in.opcode == txscript.OP_ENDIF:
			env.Payload = payloadFromPushes(pushes)
			env.PushNum = pushNum
			return env, i + 1, true, false
		case in.opcode == txscript.OP_1NEGATE:
			pushes = append(pushes, []byte{0x81})
			pushNum = true
		case in.opcode >= txscript.OP_1 && in.opcode <= txscript.OP_16:
			pushes = append(pushes, []byte{in.opcode - txscript.OP_1 + 1})
			pushNum = true
		default:
			// Any other opcode abandons the envelope.
			return env, i, false, isEmptyPush(in)
		}
	}
	return env, len(instrs), false, false
}

// payloadFromPushes turns the envelope's data pushes into an Inscription.
// Pushes alternate between a tag and its value until the empty body tag,
// after which the remaining pushes concatenate into the body.
func payloadFromPushes(pushes [][]byte) Inscription {
	var insc Inscription
	i := 0
	for i < len(pushes) {
		tagPush := pushes[i]
		if len(tagPush) == 0 {
			body := []byte{}
			for _, chunk := range pushes[i+1:] {
				body = append(body, chunk...)
			}
			insc.Body = body
			return insc
		}
		if i+1 >= len(pushes) {
			insc.IncompleteField = true
			return insc
		}
		value := pushes[i+1]
		applyField(&insc, tagPush, value)
		i += 2
	}
	return insc
}

func applyField(insc *Inscription, tagPush, value []byte) {
	if len(tagPush) != 1 {
		if tagPush[0]%2 == 0 {
			insc.UnrecognizedEvenField = true
		}
		return
	}
	set := func(field *[]byte) {
		if *field != nil {
			insc.DuplicateField = true
			return
		}
		*field = append([]byte(nil), value...)
	}
	switch tagPush[0] {
	case TagContentType:
		set(&insc.ContentType)
	case TagPointer:
		set(&insc.Pointer)
	case TagParent:
		insc.Parents = append(insc.Parents, append([]byte(nil), value...))
	case TagMetadata:
		// Metadata chunks concatenate.
		insc.Metadata = append(insc.Metadata, value...)
	case TagMetaprotocol:
		set(&insc.Metaprotocol)
	case TagContentEncoding:
		set(&insc.ContentEncoding)
	case TagDelegate:
		set(&insc.Delegate)
	case TagRune:
		set(&insc.Rune)
	case TagNote, TagNop:
		// Ignored.
	default:
		if tagPush[0]%2 == 0 {
			insc.UnrecognizedEvenField = true
		}
	}
}
