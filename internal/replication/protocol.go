package replication

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/monorkin/equipment-inventory/internal/store"
)

type MessageType string

const (
	MessageSyncRequest MessageType = "sync-request"
	MessageSyncData    MessageType = "sync-data"
	MessagePing        MessageType = "ping"
	MessagePong        MessageType = "pong"
)

// Message is the envelope exchanged over an open peer channel.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type pingData struct {
	SentAt time.Time `json:"sentAt"`
}

func decodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("malformed peer message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("peer message without type")
	}
	return msg, nil
}

func encodeJSON(value any) (json.RawMessage, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func encodeSnapshot(snapshot *store.Snapshot) (json.RawMessage, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data json.RawMessage) (*store.Snapshot, error) {
	var snapshot store.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("unparseable snapshot: %w", err)
	}
	return &snapshot, nil
}
