// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/r3call/memsync/storage"
)

// Inbound message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeBroadcast   = "broadcast"
	TypeReplay      = "replay"
	TypePing        = "ping"
)

// Outbound message types.
const (
	TypeConnection = "connection"
	TypeEvent      = "event"
	TypeError      = "error"
	TypePong       = "pong"
)

// Error codes carried in error envelopes.
const (
	CodeInvalidPattern    = "invalid_pattern"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeBadRequest        = "bad_request"
)

// Channel of the synthetic event closing a replay response.
const replayCompleteChannel = "replay.complete"

// Inbound is the transport-agnostic client message envelope.
// Timestamps are epoch milliseconds.
type Inbound struct {
	Type        string          `json:"type"`
	Channels    []string        `json:"channels,omitempty"`
	Patterns    []string        `json:"patterns,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	TargetUsers []string        `json:"targetUsers,omitempty"`
	Since       int64           `json:"since,omitempty"`
	Categories  []string        `json:"categories,omitempty"`
	Category    string          `json:"category,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	Limit       int             `json:"limit,omitempty"`
}

// Capabilities advertises which optional features this broker has
// enabled, sent in the connect greeting.
type Capabilities struct {
	Replay      bool `json:"replay"`
	Patterns    bool `json:"patterns"`
	RateLimit   bool `json:"rateLimit"`
	Compression bool `json:"compression"`
}

// ErrorBody is the payload of an error envelope.
type ErrorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Outbound is the broker-to-client message envelope.
type Outbound struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connectionId,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	Capabilities *Capabilities   `json:"capabilities,omitempty"`
	ID           string          `json:"id,omitempty"`
	Channel      string          `json:"channel,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Category     string          `json:"category,omitempty"`
	Priority     string          `json:"priority,omitempty"`
	Replay       bool            `json:"replay,omitempty"`
	Count        int             `json:"count,omitempty"`
	Truncated    bool            `json:"truncated,omitempty"`
	Error        *ErrorBody      `json:"error,omitempty"`
}

// DecodeInbound parses a client message.
func DecodeInbound(payload []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if in.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	return &in, nil
}

// eventEnvelope renders an event as an outbound message. Payloads that
// are not valid JSON are carried as a base64 string.
func eventEnvelope(ev *storage.Event, isReplay bool) ([]byte, error) {
	data := json.RawMessage(ev.Payload)
	if len(data) > 0 && !json.Valid(data) {
		data, _ = json.Marshal(ev.Payload)
	}
	out := Outbound{
		Type:      TypeEvent,
		ID:        ev.ID,
		Channel:   ev.Channel,
		Data:      data,
		Category:  ev.Category,
		Priority:  ev.Priority.String(),
		Timestamp: ev.Timestamp.UnixMilli(),
		Replay:    isReplay,
	}
	return json.Marshal(out)
}

// errorEnvelope renders an error as an outbound message.
func errorEnvelope(code, message string, retryAfter time.Duration) []byte {
	body := &ErrorBody{Code: code, Message: message}
	if retryAfter > 0 {
		body.RetryAfterMs = retryAfter.Milliseconds()
	}
	data, _ := json.Marshal(Outbound{
		Type:      TypeError,
		Timestamp: time.Now().UnixMilli(),
		Error:     body,
	})
	return data
}
