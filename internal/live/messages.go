// Package live fans traffic updates out to connected dashboards, within one
// process through the hub and across processes through a broker.
package live

import (
	"encoding/json"
	"fmt"
	"time"

	"webtraffic/internal/buckets"
)

// MessageType tags the payload of an Envelope.
type MessageType string

const (
	TypeHitAccepted     MessageType = "hitAccepted"
	TypeTrafficSnapshot MessageType = "trafficSnapshot"
	TypeHeartbeat       MessageType = "heartbeat"
)

// Message is one of HitAccepted, TrafficSnapshot or Heartbeat.
type Message interface {
	Type() MessageType
	// withoutTimestamp returns a copy used to compare content across sends.
	withoutTimestamp() Message
}

// HitAccepted reports the fast counter totals right after a hit was counted.
type HitAccepted struct {
	Date      string    `json:"date"`
	Today     int64     `json:"today"`
	Week      int64     `json:"week"`
	Minute    int64     `json:"minute"`
	Timestamp time.Time `json:"timestamp"`
}

// TrafficSnapshot is the full dashboard payload.
type TrafficSnapshot struct {
	Date              string             `json:"date"`
	Last7Days         []buckets.DayCount `json:"last7Days"`
	Today             int64              `json:"today"`
	Week              int64              `json:"week"`
	PercentChange     float64            `json:"percentChange"`
	RequestsPerSecond float64            `json:"requestsPerSecond"`
	Timestamp         time.Time          `json:"timestamp"`
}

// Heartbeat keeps idle connections and intermediaries alive.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

func (HitAccepted) Type() MessageType     { return TypeHitAccepted }
func (TrafficSnapshot) Type() MessageType { return TypeTrafficSnapshot }
func (Heartbeat) Type() MessageType       { return TypeHeartbeat }

func (m HitAccepted) withoutTimestamp() Message {
	m.Timestamp = time.Time{}
	return m
}

func (m TrafficSnapshot) withoutTimestamp() Message {
	m.Timestamp = time.Time{}
	return m
}

func (m Heartbeat) withoutTimestamp() Message {
	m.Timestamp = time.Time{}
	return m
}

// Envelope is the wire format shared by the broker and push connections.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes msg inside an Envelope.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Type(), err)
	}
	return json.Marshal(Envelope{Type: msg.Type(), Data: data})
}

// Decode parses an Envelope into its concrete message.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case TypeHitAccepted:
		var m HitAccepted
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case TypeTrafficSnapshot:
		var m TrafficSnapshot
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case TypeHeartbeat:
		var m Heartbeat
		err = json.Unmarshal(env.Data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// fingerprint is the serialized content of msg ignoring its timestamp.
func fingerprint(msg Message) string {
	data, err := Encode(msg.withoutTimestamp())
	if err != nil {
		return ""
	}
	return string(data)
}

// ClientRequest is a message sent by a dashboard over its push connection.
type ClientRequest struct {
	Type string `json:"type"`
}

// RequestSnapshot asks for the current TrafficSnapshot outside the broadcast schedule.
const RequestSnapshot = "requestSnapshot"
