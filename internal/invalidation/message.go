package invalidation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/calltrics/calltrics/pkg/validator"
)

// ChannelName is the fixed notification channel invalidation messages travel on.
const ChannelName = "cache_invalidation"

// Operation identifies the row-level change that produced a message.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Message describes one row-level change on a watched table. Messages are
// immutable once published and delivered at least once; consumers must treat
// duplicates as no-ops.
type Message struct {
	Table     string    `json:"table" validate:"required"`
	Operation Operation `json:"operation" validate:"required,oneof=insert update delete"`
	TenantID  string    `json:"tenant_id,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	BatchID   string    `json:"batch_id" validate:"required"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Encode serialises the message for transport.
func (m Message) Encode() ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("invalidation: encode message: %w", err)
	}
	return payload, nil
}

// Decode parses and validates a transport payload. Unknown or malformed
// payloads return an error so the listener can drop them without crashing.
func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("invalidation: decode message: %w", err)
	}
	if err := validator.ValidateStruct(msg); err != nil {
		return Message{}, fmt.Errorf("invalidation: invalid message: %w", err)
	}
	return msg, nil
}
