package realtime

import (
	"encoding/json"
	"errors"

	"github.com/oklog/ulid/v2"
)

// realtime keeps a client's in-memory patient cache in sync with the server
// over a single persistent pub/sub connection. Inbound change notifications
// flow through normalize -> organization filter -> store, one at a time in
// arrival order. The connection itself is owned by a SyncClient, constructed
// on login and closed on logout.

// wire event names
const (
	EventChange         = "change"
	EventPatientRemoved = "patient_removed"
	EventPing           = "ping"
	EventPong           = "pong"
	EventAuth           = "auth"
	EventAuthOk         = "auth_ok"
	EventAuthRejected   = "auth_rejected"
	EventPatientUpdate  = "patient_update"
	EventTyping         = "typing"
)

// WireEvent is the envelope for every frame on the connection:
// an event name plus an opaque json payload. AckId correlates a
// request frame with its acknowledgement (ping/pong, auth).
type WireEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckId   *Id             `json:"ackId,omitempty"`
}

func NewWireEvent(event string, payload any) (*WireEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &WireEvent{
		Event:   event,
		Payload: raw,
	}, nil
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) Bytes() []byte {
	return self[:]
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buf [28]byte
	buf[0] = '"'
	copy(buf[1:], self.String())
	buf[27] = '"'
	return buf[:], nil
}

func (self *Id) UnmarshalJSON(b []byte) error {
	var idStr string
	if err := json.Unmarshal(b, &idStr); err != nil {
		return err
	}
	if idStr == "" {
		*self = Id{}
		return nil
	}
	id, err := ParseId(idStr)
	if err != nil {
		return err
	}
	*self = id
	return nil
}
