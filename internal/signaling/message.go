package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/monorkin/equipment-inventory/internal/transport"
)

type MessageType string

const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeSyncRequest  MessageType = "sync-request"
	// TypeSyncData carries a full snapshot to same-host peers.
	TypeSyncData MessageType = "sync-data"
)

var ErrInvalidMessage = errors.New("invalid signaling message")

// Message is broadcast to every member of a signaling group. To and Session
// narrow who acts on it; everyone else ignores it.
type Message struct {
	Type      MessageType                   `json:"type"`
	From      string                        `json:"from"`
	To        string                        `json:"to,omitempty"`
	Session   string                        `json:"session,omitempty"`
	SDP       *transport.SessionDescription `json:"sdp,omitempty"`
	Candidate *transport.Candidate          `json:"candidate,omitempty"`
	Data      json.RawMessage               `json:"data,omitempty"`
}

func (m Message) Validate() error {
	if m.From == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}

	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.SDP == nil || m.Session == "" {
			return fmt.Errorf("%w: %s without session description", ErrInvalidMessage, m.Type)
		}
	case TypeICECandidate:
		if m.Candidate == nil || m.Session == "" {
			return fmt.Errorf("%w: %s without candidate", ErrInvalidMessage, m.Type)
		}
	case TypeSyncRequest:
	case TypeSyncData:
		if len(m.Data) == 0 {
			return fmt.Errorf("%w: %s without data", ErrInvalidMessage, m.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}

	return nil
}

// AddressedTo reports whether deviceID should act on the message.
func (m Message) AddressedTo(deviceID string) bool {
	return m.To == "" || m.To == deviceID
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return m, m.Validate()
}
