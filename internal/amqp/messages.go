package amqp

import (
	"encoding/json"
	"time"
)

// OutboxQueuedMessage nudges the sync worker after a mutation lands in the
// outbox. It carries only the client ID; the worker reads the full entry
// from the outbox database.
type OutboxQueuedMessage struct {
	ClientID  string    `json:"client_id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

func NewOutboxQueuedMessage(clientID, kind string) *OutboxQueuedMessage {
	return &OutboxQueuedMessage{
		ClientID:  clientID,
		Kind:      kind,
		Timestamp: time.Now(),
	}
}

func (m *OutboxQueuedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func OutboxQueuedMessageFromJSON(data []byte) (*OutboxQueuedMessage, error) {
	var msg OutboxQueuedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
