package envelope

import (
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/malikkaraoui/tom/identity"
)

// newEnvelopeID produces a fresh, cryptographically random, unique-per-sender
// envelope id. uuid.NewRandom draws its 122 random bits from crypto/rand.
func newEnvelopeID() string {
	return uuid.NewString()
}

// wireEnvelope is the canonical key-ordered JSON record used to transport an
// Envelope verbatim over the peer channel. All byte-strings are lowercase
// hex.
type wireEnvelope struct {
	ID            string            `json:"id"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Via           []string          `json:"via,omitempty"`
	Type          string            `json:"type"`
	Payload       string            `json:"payload"`
	Timestamp     int64             `json:"timestamp"`
	Signature     string            `json:"signature"`
	RouteType     string            `json:"routeType,omitempty"`
	HopTimestamps map[string]int64  `json:"hopTimestamps,omitempty"`
}

// Marshal renders an Envelope as its canonical wire JSON.
func Marshal(e *Envelope) ([]byte, error) {
	w := wireEnvelope{
		ID:        e.ID,
		From:      string(e.From),
		To:        string(e.To),
		Type:      e.Type,
		Payload:   hex.EncodeToString(e.Payload),
		Timestamp: e.Timestamp,
		Signature: hex.EncodeToString(e.Signature),
		RouteType: string(e.RouteType),
	}
	for _, v := range e.Via {
		w.Via = append(w.Via, string(v))
	}
	if len(e.HopTimestamps) > 0 {
		w.HopTimestamps = make(map[string]int64, len(e.HopTimestamps))
		for k, v := range e.HopTimestamps {
			w.HopTimestamps[string(k)] = v
		}
	}
	return json.Marshal(w)
}

// Unmarshal parses the canonical wire JSON back into an Envelope. It does
// not verify the signature; callers must call Verify separately.
func Unmarshal(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, ErrInvalidEnvelope
	}

	payload, err := hex.DecodeString(w.Payload)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	sig, err := hex.DecodeString(w.Signature)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}

	e := &Envelope{
		ID:        w.ID,
		From:      identity.NodeId(w.From),
		To:        identity.NodeId(w.To),
		Type:      w.Type,
		Payload:   payload,
		Timestamp: w.Timestamp,
		Signature: sig,
		RouteType: RouteType(w.RouteType),
	}
	for _, v := range w.Via {
		e.Via = append(e.Via, identity.NodeId(v))
	}
	if len(w.HopTimestamps) > 0 {
		e.HopTimestamps = make(map[identity.NodeId]int64, len(w.HopTimestamps))
		for k, v := range w.HopTimestamps {
			e.HopTimestamps[identity.NodeId(k)] = v
		}
	}
	return e, nil
}
