package envelope

import (
	"encoding/binary"
	"fmt"

	"github.com/malikkaraoui/tom/identity"
)

// Canonical builds the signing preimage: id | from | to | via (length-
// prefixed) | type | canonical_payload | timestamp. Every variable-length
// field is prefixed with its big-endian uint32 length (via with its entry
// count, then each entry) and the timestamp is a fixed 8-byte big-endian
// value, so that no field boundary is ambiguous.
func Canonical(e *Envelope) []byte {
	buf := make([]byte, 0, 128+len(e.Payload))

	writeStr := func(s string) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(s)))
		buf = append(buf, l[:]...)
		buf = append(buf, s...)
	}

	writeStr(e.ID)
	writeStr(string(e.From))
	writeStr(string(e.To))

	var viaLen [4]byte
	binary.BigEndian.PutUint32(viaLen[:], uint32(len(e.Via)))
	buf = append(buf, viaLen[:]...)
	for _, v := range e.Via {
		writeStr(string(v))
	}

	writeStr(e.Type)

	var payloadLen [4]byte
	binary.BigEndian.PutUint32(payloadLen[:], uint32(len(e.Payload)))
	buf = append(buf, payloadLen[:]...)
	buf = append(buf, e.Payload...)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp))
	buf = append(buf, ts[:]...)

	return buf
}

// Sign computes and attaches the detached signature over Canonical(e).
func Sign(e *Envelope, id *identity.Identity) error {
	sig, err := id.Sign(Canonical(e))
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// Verify checks that e.Signature verifies under e.From's public key, and
// that the basic structural invariants hold (from != to, via contains no
// duplicate self-hop is checked separately by the router since "self"
// depends on the verifying node, not the envelope).
func Verify(e *Envelope) error {
	if e.From == e.To {
		return fmt.Errorf("%w: from == to", ErrSelfLoop)
	}
	pub, err := e.From.Bytes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	ok, err := identity.Verify(pub, Canonical(e), e.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", identity.ErrCryptoFailed, err)
	}
	if !ok {
		return ErrInvalidEnvelope
	}
	return nil
}

// Create builds a fresh, signed envelope. The caller supplies already
// canonicalized payload bytes (e.g. a sealed container or a deterministic
// JSON encoding); Create does not interpret Payload.
func Create(id *identity.Identity, to identity.NodeId, typ string, payload []byte, via []identity.NodeId) (*Envelope, error) {
	if id == nil {
		return nil, identity.ErrIdentityMissing
	}
	e := &Envelope{
		ID:        newEnvelopeID(),
		From:      id.Node,
		To:        to,
		Via:       via,
		Type:      typ,
		Payload:   payload,
		Timestamp: NowMillis(),
	}
	if err := Sign(e, id); err != nil {
		return nil, err
	}
	return e, nil
}
