// Package directive parses the JSON directive envelope carried on
// event/directive topics (spec.md §6 "JSON directive shape") and dispatches
// each directive to a registered handler by name. Per-directive payload
// schemas beyond what's needed to route and address them are out of scope
// (SPEC_FULL.md §1 Non-goals); handlers decode their own payload from the
// raw JSON this package hands them.
package directive

import (
	"encoding/json"
	"fmt"
)

// Name identifies a directive kind (spec.md §6).
type Name string

const (
	OpenSpeaker       Name = "OpenSpeaker"
	CloseSpeaker      Name = "CloseSpeaker"
	SetVolume         Name = "SetVolume"
	SetAttentionState Name = "SetAttentionState"
	RotateSecret      Name = "RotateSecret"
)

// Header identifies one directive within an envelope (spec.md §6).
type Header struct {
	Name      Name   `json:"name"`
	MessageId string `json:"messageId"`
}

// Raw is a single directive as decoded off the wire, payload left as raw
// JSON for the matching handler to decode into its own concrete type.
type Raw struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope is the top-level JSON object carried by a directive/event topic
// message (spec.md §6).
type Envelope struct {
	Directives []Raw `json:"directives"`
}

// Address locates one directive within a sequenced message, for
// diagnostics and for the regulator.MessageRef an error report carries
// (spec.md §6 "Each directive is addressed by (seqNum, indexWithinArray)").
type Address struct {
	Topic          string
	SequenceNumber uint32
	Index          int
}

// Parse decodes raw JSON bytes into an Envelope. A malformed envelope is
// reported as a MALFORMED_MESSAGE exception by the caller, not by Parse
// itself — Parse only distinguishes well-formed from not.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("directive: malformed envelope: %w", err)
	}
	return env, nil
}

// Handler processes one directive's raw payload, addressed by addr for
// diagnostics. A returned error is surfaced by the Dispatcher as a
// MALFORMED_MESSAGE exception referencing addr; it never stops dispatch of
// the remaining directives in the same envelope (spec.md §7 "Per-message
// failures are recovered locally").
type Handler func(addr Address, payload json.RawMessage) error

// UnknownHandler is invoked for a directive Name with no registered
// Handler. The default (nil) is a no-op; set one to log or report.
type UnknownHandler func(addr Address, name Name)

// Dispatcher routes each directive in an Envelope to the Handler registered
// for its Name.
type Dispatcher struct {
	handlers map[Name]Handler
	unknown  UnknownHandler
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Name]Handler)}
}

// Register binds fn to handle every directive named name. A second
// Register call for the same name replaces the previous handler.
func (d *Dispatcher) Register(name Name, fn Handler) {
	d.handlers[name] = fn
}

// OnUnknown sets the callback invoked for directives with no registered
// handler.
func (d *Dispatcher) OnUnknown(fn UnknownHandler) {
	d.unknown = fn
}

// DispatchError reports one directive in an envelope whose handler
// returned an error, keyed by its Address for the caller to translate into
// a regulator.ExceptionEncountered.
type DispatchError struct {
	Addr Address
	Err  error
}

func (e DispatchError) Error() string {
	return fmt.Sprintf("directive %s at seq=%d index=%d: %v", e.Addr.Topic, e.Addr.SequenceNumber, e.Addr.Index, e.Err)
}

// Dispatch routes every directive in env to its registered handler, in
// array order. topic and seqNum address every directive in env for
// diagnostics. Handler errors are collected and returned together rather
// than aborting the remaining directives, since each directive fails
// independently (spec.md §7).
func (d *Dispatcher) Dispatch(topic string, seqNum uint32, env Envelope) []DispatchError {
	var errs []DispatchError
	for i, raw := range env.Directives {
		addr := Address{Topic: topic, SequenceNumber: seqNum, Index: i}
		h, ok := d.handlers[raw.Header.Name]
		if !ok {
			if d.unknown != nil {
				d.unknown(addr, raw.Header.Name)
			}
			continue
		}
		if err := h(addr, raw.Payload); err != nil {
			errs = append(errs, DispatchError{Addr: addr, Err: err})
		}
	}
	return errs
}

// OpenSpeakerPayload is the decoded payload of an OpenSpeaker directive
// (spec.md §4.3 "schedule START action at off").
type OpenSpeakerPayload struct {
	Offset uint64 `json:"offset"`
}

// CloseSpeakerPayload is the decoded payload of a CloseSpeaker directive.
type CloseSpeakerPayload struct {
	Offset uint64 `json:"offset"`
}

// SetVolumePayload is the decoded payload of a SetVolume directive
// (spec.md §4.3 "Carries { volume, offset }").
type SetVolumePayload struct {
	Volume float64 `json:"volume"`
	Offset uint64  `json:"offset"`
}

// SetAttentionStatePayload is the decoded payload of a SetAttentionState
// directive (spec.md §4.5).
type SetAttentionStatePayload struct {
	State string `json:"state"`
}

// RotateSecretPayload is the decoded payload of a RotateSecret directive
// (spec.md §4.2 "both parties agree on a per-topic rotation sequence
// number").
type RotateSecretPayload struct {
	Topic          string `json:"topic"`
	RotationSeqNum uint32 `json:"rotationSeqNum"`
	NewKey         string `json:"newKey"` // base64-encoded raw key material
}
