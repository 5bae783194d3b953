package registry

import (
	"encoding/json"
	"fmt"
)

// historyLimit is the maximum number of TopicMessage entries retained per
// (broker, topic) pair. Older entries are discarded first so the newest
// historyLimit are always kept.
const historyLimit = 100

// payloadLimit is the maximum payload size, in bytes, stored and fanned out
// verbatim. Larger payloads are replaced by a marker string.
const payloadLimit = 1_000_000

// Payload is a raw MQTT payload. It marshals as a JSON array of byte
// values (matching the peer wire format) rather than encoding/json's
// default base64-string representation for []byte.
type Payload []byte

// MarshalJSON encodes p as a JSON array of numbers.
func (p Payload) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(p))
	for i, b := range p {
		ints[i] = int(b)
	}
	if ints == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(ints)
}

// UnmarshalJSON decodes a JSON array of numbers into p.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make(Payload, len(ints))
	for i, v := range ints {
		out[i] = byte(v)
	}
	*p = out
	return nil
}

// TopicMessage is one immutable, appended-once message on a broker topic.
type TopicMessage struct {
	Timestamp string  `json:"timestamp"`
	Payload   Payload `json:"payload"`
}

// clampPayload applies the oversize rule: payloads over payloadLimit bytes
// are replaced by a human-readable marker before they are stored or
// forwarded. The topic itself is never altered.
func clampPayload(payload []byte) Payload {
	if len(payload) <= payloadLimit {
		return Payload(payload)
	}
	return Payload(fmt.Sprintf("Payload size limit exceeded: %d.", len(payload)))
}

// appendHistory appends msg to history, trimming the oldest entries first
// so at most historyLimit entries remain, newest last.
func appendHistory(history []TopicMessage, msg TopicMessage) []TopicMessage {
	history = append(history, msg)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	return history
}
