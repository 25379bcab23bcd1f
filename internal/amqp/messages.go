package amqp

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncTransactionsTag labels trigger messages that request a replay of the
// local transaction queue against the remote service.
const SyncTransactionsTag = "sync-transactions"

// SyncRequestMessage is a lightweight trigger: it carries no record data,
// the worker reads still-pending transactions from the queue itself.
type SyncRequestMessage struct {
	Tag       string    `json:"tag"`
	Attempt   int64     `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSyncRequestMessage creates a first-attempt sync trigger.
func NewSyncRequestMessage() *SyncRequestMessage {
	return &SyncRequestMessage{
		Tag:       SyncTransactionsTag,
		Attempt:   1,
		Timestamp: time.Now(),
	}
}

// Validate rejects messages whose tag this consumer does not handle.
func (m *SyncRequestMessage) Validate() error {
	if m.Tag != SyncTransactionsTag {
		return fmt.Errorf("unsupported sync tag %q", m.Tag)
	}
	return nil
}

// ToJSON converts the message to JSON bytes
func (m *SyncRequestMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SyncRequestMessageFromJSON creates a message from JSON bytes
func SyncRequestMessageFromJSON(data []byte) (*SyncRequestMessage, error) {
	var msg SyncRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
