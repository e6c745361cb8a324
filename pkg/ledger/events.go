// ABOUTME: Tagged ledger event variants with fixed, typed payloads
// ABOUTME: Events are serialized to CBOR only at the ledger boundary

package ledger

import (
	"fmt"

	"github.com/nainya/custody/internal/codec"
)

// EventType tags an event variant
type EventType string

const (
	TypeUploaded    EventType = "Uploaded"
	TypeUpdated     EventType = "Updated"
	TypeShared      EventType = "Shared"
	TypeRevoked     EventType = "Revoked"
	TypeDeactivated EventType = "Deactivated"
	TypeMoved       EventType = "Moved"
	TypeSubmitted   EventType = "Submitted"
	TypeDecided     EventType = "Decided"
	TypeExpired     EventType = "Expired"
)

// SystemSigner signs events emitted by the engine itself, such as expiry
const SystemSigner = "system"

// Event is one of the closed set of variants below
type Event interface {
	Type() EventType
	SignedBy() string
	validate() error
}

// Uploaded records version 1 of a document
type Uploaded struct {
	Signer      string `cbor:"signer"`
	ContentHash string `cbor:"hash"`
	FileName    string `cbor:"name"`
	FileType    string `cbor:"type"`
	ByteSize    int64  `cbor:"size"`
}

// Updated records a subsequent version
type Updated struct {
	Signer      string `cbor:"signer"`
	Version     int    `cbor:"version"`
	ContentHash string `cbor:"hash"`
	FileName    string `cbor:"name"`
	ByteSize    int64  `cbor:"size"`
	ChangeLog   string `cbor:"changelog,omitempty"`
}

// Shared records a grant or a change of access type
type Shared struct {
	Signer  string `cbor:"signer"`
	Grantee string `cbor:"grantee"`
	Access  string `cbor:"access"`
}

// Revoked records removal of a grant
type Revoked struct {
	Signer  string `cbor:"signer"`
	Grantee string `cbor:"grantee"`
}

// Deactivated records a logical delete
type Deactivated struct {
	Signer string `cbor:"signer"`
}

// Moved records a change of folder; an empty Folder is the root level
type Moved struct {
	Signer string `cbor:"signer"`
	Folder string `cbor:"folder,omitempty"`
}

// Submitted records a new approval request
type Submitted struct {
	Signer    string   `cbor:"signer"`
	RequestID string   `cbor:"request"`
	Version   int      `cbor:"version"`
	Routing   string   `cbor:"routing"`
	Approvers []string `cbor:"approvers"`
}

// Decided records one approver's decision
type Decided struct {
	Signer    string `cbor:"signer"`
	RequestID string `cbor:"request"`
	Decision  string `cbor:"decision"`
	Comment   string `cbor:"comment,omitempty"`
}

// Expired records a request passing its deadline
type Expired struct {
	Signer    string `cbor:"signer"`
	RequestID string `cbor:"request"`
}

func (Uploaded) Type() EventType    { return TypeUploaded }
func (Updated) Type() EventType     { return TypeUpdated }
func (Shared) Type() EventType      { return TypeShared }
func (Revoked) Type() EventType     { return TypeRevoked }
func (Deactivated) Type() EventType { return TypeDeactivated }
func (Moved) Type() EventType       { return TypeMoved }
func (Submitted) Type() EventType   { return TypeSubmitted }
func (Decided) Type() EventType     { return TypeDecided }
func (Expired) Type() EventType     { return TypeExpired }

func (e Uploaded) SignedBy() string    { return e.Signer }
func (e Updated) SignedBy() string     { return e.Signer }
func (e Shared) SignedBy() string      { return e.Signer }
func (e Revoked) SignedBy() string     { return e.Signer }
func (e Deactivated) SignedBy() string { return e.Signer }
func (e Moved) SignedBy() string       { return e.Signer }
func (e Submitted) SignedBy() string   { return e.Signer }
func (e Decided) SignedBy() string     { return e.Signer }
func (e Expired) SignedBy() string     { return e.Signer }

func (e Uploaded) validate() error {
	if e.ContentHash == "" || e.FileName == "" || e.ByteSize < 0 {
		return fmt.Errorf("%w: uploaded event requires hash, name and size", ErrMalformed)
	}
	return nil
}

func (e Updated) validate() error {
	if e.Version < 2 || e.ContentHash == "" || e.ByteSize < 0 {
		return fmt.Errorf("%w: updated event requires version >= 2 and hash", ErrMalformed)
	}
	return nil
}

func (e Shared) validate() error {
	if e.Grantee == "" || (e.Access != "READ" && e.Access != "WRITE") {
		return fmt.Errorf("%w: shared event requires grantee and access", ErrMalformed)
	}
	return nil
}

func (e Revoked) validate() error {
	if e.Grantee == "" {
		return fmt.Errorf("%w: revoked event requires grantee", ErrMalformed)
	}
	return nil
}

func (Deactivated) validate() error { return nil }
func (Moved) validate() error       { return nil }

func (e Submitted) validate() error {
	if e.RequestID == "" || e.Version < 1 || len(e.Approvers) == 0 {
		return fmt.Errorf("%w: submitted event requires request, version and approvers", ErrMalformed)
	}
	return nil
}

func (e Decided) validate() error {
	if e.RequestID == "" || (e.Decision != "APPROVED" && e.Decision != "REJECTED") {
		return fmt.Errorf("%w: decided event requires request and decision", ErrMalformed)
	}
	return nil
}

func (e Expired) validate() error {
	if e.RequestID == "" {
		return fmt.Errorf("%w: expired event requires request", ErrMalformed)
	}
	return nil
}

// envelope is the stored form of a record
type envelope struct {
	Document       string           `cbor:"doc"`
	Sequence       uint64           `cbor:"seq"`
	Type           EventType        `cbor:"type"`
	IdempotencyKey string           `cbor:"key,omitempty"`
	Payload        codec.RawMessage `cbor:"payload"`
}

func encodeEnvelope(documentID string, seq uint64, ev Event, key string) ([]byte, error) {
	payload, err := codec.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.Type(), err)
	}
	return codec.Marshal(envelope{
		Document:       documentID,
		Sequence:       seq,
		Type:           ev.Type(),
		IdempotencyKey: key,
		Payload:        payload,
	})
}

func decodeEnvelope(data []byte) (envelope, Event, error) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return env, nil, fmt.Errorf("decode envelope: %w", err)
	}
	ev, err := DecodeEvent(env.Type, env.Payload)
	return env, ev, err
}

// DecodeEvent decodes a CBOR payload into its typed variant
func DecodeEvent(t EventType, payload []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch t {
	case TypeUploaded:
		ev, err = decodeAs[Uploaded](payload)
	case TypeUpdated:
		ev, err = decodeAs[Updated](payload)
	case TypeShared:
		ev, err = decodeAs[Shared](payload)
	case TypeRevoked:
		ev, err = decodeAs[Revoked](payload)
	case TypeDeactivated:
		ev, err = decodeAs[Deactivated](payload)
	case TypeMoved:
		ev, err = decodeAs[Moved](payload)
	case TypeSubmitted:
		ev, err = decodeAs[Submitted](payload)
	case TypeDecided:
		ev, err = decodeAs[Decided](payload)
	case TypeExpired:
		ev, err = decodeAs[Expired](payload)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformed, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return ev, nil
}

func decodeAs[T Event](payload []byte) (Event, error) {
	var e T
	if err := codec.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return e, nil
}
