package wire

import (
	"github.com/OwlPlatform/world-model/wm"
)

// Message IDs on the client connection.
const (
	ClientKeepAliveID         byte = 0
	ClientSnapshotRequestID   byte = 1
	ClientRangeRequestID      byte = 2
	ClientStreamRequestID     byte = 3
	ClientAttributeAliasID    byte = 4
	ClientOriginAliasID       byte = 5
	ClientRequestCompleteID   byte = 6
	ClientCancelRequestID     byte = 7
	ClientDataResponseID      byte = 8
	ClientURISearchID         byte = 9
	ClientURISearchResponseID byte = 10
	ClientOriginPreferenceID  byte = 11
)

// ClientKeepAlive is the empty idle-probe message.
type ClientKeepAlive struct{}

func (ClientKeepAlive) ID() byte                       { return ClientKeepAliveID }
func (ClientKeepAlive) MarshalPayload(b []byte) []byte { return b }

// Request is the shared body of snapshot and range requests: a ticket, a
// URI pattern, attribute patterns, and a time window.
type Request struct {
	Ticket            uint32
	URIPattern        string
	AttributePatterns []string
	Start             wm.Time
	Stop              wm.Time
}

func marshalRequest(b []byte, m Request) []byte {
	b = appendU32(b, m.Ticket)
	b = appendString(b, m.URIPattern)
	b = appendU32(b, uint32(len(m.AttributePatterns)))
	for _, p := range m.AttributePatterns {
		b = appendString(b, p)
	}
	b = appendI64(b, m.Start)
	return appendI64(b, m.Stop)
}

func decodeRequest(payload []byte) (Request, error) {
	d := newDecoder(payload)
	m := Request{Ticket: d.u32(), URIPattern: d.str()}
	count := d.u32()
	for i := uint32(0); i < count && d.Err() == nil; i++ {
		m.AttributePatterns = append(m.AttributePatterns, d.str())
	}
	m.Start = d.i64()
	m.Stop = d.i64()
	return m, d.Err()
}

// SnapshotRequest asks for the state at a time. Start == Stop == 0 selects
// the current in-memory state; otherwise the state as of Stop is
// reconstructed from history.
type SnapshotRequest struct {
	Request
}

func (SnapshotRequest) ID() byte { return ClientSnapshotRequestID }

func (m SnapshotRequest) MarshalPayload(b []byte) []byte {
	return marshalRequest(b, m.Request)
}

// DecodeSnapshotRequest parses a snapshot_request payload.
func DecodeSnapshotRequest(payload []byte) (SnapshotRequest, error) {
	r, err := decodeRequest(payload)
	return SnapshotRequest{Request: r}, err
}

// RangeRequest asks for all stored rows created within [Start, Stop].
type RangeRequest struct {
	Request
}

func (RangeRequest) ID() byte { return ClientRangeRequestID }

func (m RangeRequest) MarshalPayload(b []byte) []byte {
	return marshalRequest(b, m.Request)
}

// DecodeRangeRequest parses a range_request payload.
func DecodeRangeRequest(payload []byte) (RangeRequest, error) {
	r, err := decodeRequest(payload)
	return RangeRequest{Request: r}, err
}

// StreamRequest opens a standing query delivering matching updates on the
// requested cadence.
type StreamRequest struct {
	Ticket            uint32
	URIPattern        string
	AttributePatterns []string
	// Interval is the delivery cadence in milliseconds.
	Interval int64
}

func (StreamRequest) ID() byte { return ClientStreamRequestID }

func (m StreamRequest) MarshalPayload(b []byte) []byte {
	b = appendU32(b, m.Ticket)
	b = appendString(b, m.URIPattern)
	b = appendU32(b, uint32(len(m.AttributePatterns)))
	for _, p := range m.AttributePatterns {
		b = appendString(b, p)
	}
	return appendI64(b, m.Interval)
}

// DecodeStreamRequest parses a stream_request payload.
func DecodeStreamRequest(payload []byte) (StreamRequest, error) {
	d := newDecoder(payload)
	m := StreamRequest{Ticket: d.u32(), URIPattern: d.str()}
	count := d.u32()
	for i := uint32(0); i < count && d.Err() == nil; i++ {
		m.AttributePatterns = append(m.AttributePatterns, d.str())
	}
	m.Interval = d.i64()
	return m, d.Err()
}

// CancelRequest cancels the one-shot request or subscription identified by
// the ticket.
type CancelRequest struct {
	Ticket uint32
}

func (CancelRequest) ID() byte { return ClientCancelRequestID }

func (m CancelRequest) MarshalPayload(b []byte) []byte {
	return appendU32(b, m.Ticket)
}

// DecodeCancelRequest parses a cancel_request payload.
func DecodeCancelRequest(payload []byte) (CancelRequest, error) {
	d := newDecoder(payload)
	m := CancelRequest{Ticket: d.u32()}
	return m, d.Err()
}

// URISearch asks which current URIs match a pattern.
type URISearch struct {
	Pattern string
}

func (URISearch) ID() byte { return ClientURISearchID }

func (m URISearch) MarshalPayload(b []byte) []byte {
	return appendString(b, m.Pattern)
}

// DecodeURISearch parses a uri_search payload.
func DecodeURISearch(payload []byte) (URISearch, error) {
	d := newDecoder(payload)
	m := URISearch{Pattern: d.str()}
	return m, d.Err()
}

// URISearchResponse carries the matching URIs, packed back to back.
type URISearchResponse struct {
	URIs []wm.URI
}

func (URISearchResponse) ID() byte { return ClientURISearchResponseID }

func (m URISearchResponse) MarshalPayload(b []byte) []byte {
	for _, uri := range m.URIs {
		b = appendString(b, uri)
	}
	return b
}

// DecodeURISearchResponse parses a uri_search_response payload.
func DecodeURISearchResponse(payload []byte) (URISearchResponse, error) {
	d := newDecoder(payload)
	var m URISearchResponse
	for d.remaining() {
		m.URIs = append(m.URIs, d.str())
	}
	return m, d.Err()
}

// OriginPreferenceEntry assigns a preference level to an origin. Negative
// levels suppress the origin entirely.
type OriginPreferenceEntry struct {
	Origin     string
	Preference int32
}

// OriginPreference sets the client's per-origin preference levels.
type OriginPreference struct {
	Preferences []OriginPreferenceEntry
}

func (OriginPreference) ID() byte { return ClientOriginPreferenceID }

func (m OriginPreference) MarshalPayload(b []byte) []byte {
	b = appendU32(b, uint32(len(m.Preferences)))
	for _, p := range m.Preferences {
		b = appendString(b, p.Origin)
		b = appendU32(b, uint32(p.Preference))
	}
	return b
}

// DecodeOriginPreference parses an origin_preference payload.
func DecodeOriginPreference(payload []byte) (OriginPreference, error) {
	d := newDecoder(payload)
	var m OriginPreference
	count := d.u32()
	for i := uint32(0); i < count && d.Err() == nil; i++ {
		m.Preferences = append(m.Preferences, OriginPreferenceEntry{
			Origin:     d.str(),
			Preference: d.i32(),
		})
	}
	return m, d.Err()
}

// Alias pairs a session-local integer with a text name.
type Alias struct {
	Alias uint32
	Name  string
}

// AttributeAlias announces attribute-name aliases to the client.
type AttributeAlias struct {
	Aliases []Alias
}

func (AttributeAlias) ID() byte { return ClientAttributeAliasID }

func (m AttributeAlias) MarshalPayload(b []byte) []byte {
	return marshalAliases(b, m.Aliases)
}

// OriginAlias announces origin aliases to the client.
type OriginAlias struct {
	Aliases []Alias
}

func (OriginAlias) ID() byte { return ClientOriginAliasID }

func (m OriginAlias) MarshalPayload(b []byte) []byte {
	return marshalAliases(b, m.Aliases)
}

func marshalAliases(b []byte, aliases []Alias) []byte {
	b = appendU32(b, uint32(len(aliases)))
	for _, a := range aliases {
		b = appendU32(b, a.Alias)
		b = appendString(b, a.Name)
	}
	return b
}

// DecodeAliases parses an attribute_alias or origin_alias payload.
func DecodeAliases(payload []byte) ([]Alias, error) {
	d := newDecoder(payload)
	count := d.u32()
	aliases := make([]Alias, 0, count)
	for i := uint32(0); i < count && d.Err() == nil; i++ {
		aliases = append(aliases, Alias{Alias: d.u32(), Name: d.str()})
	}
	return aliases, d.Err()
}

// AliasedAttribute is an attribute with its name and origin replaced by
// session aliases.
type AliasedAttribute struct {
	NameAlias   uint32
	Creation    wm.Time
	Expiration  wm.Time
	OriginAlias uint32
	Data        []byte
}

// DataResponse carries one object's attributes for a ticket.
type DataResponse struct {
	URI        wm.URI
	Ticket     uint32
	Attributes []AliasedAttribute
}

func (DataResponse) ID() byte { return ClientDataResponseID }

func (m DataResponse) MarshalPayload(b []byte) []byte {
	b = appendString(b, m.URI)
	b = appendU32(b, m.Ticket)
	b = appendU32(b, uint32(len(m.Attributes)))
	for _, a := range m.Attributes {
		b = appendU32(b, a.NameAlias)
		b = appendI64(b, a.Creation)
		b = appendI64(b, a.Expiration)
		b = appendU32(b, a.OriginAlias)
		b = appendBytes(b, a.Data)
	}
	return b
}

// DecodeDataResponse parses a data_response payload.
func DecodeDataResponse(payload []byte) (DataResponse, error) {
	d := newDecoder(payload)
	m := DataResponse{URI: d.str(), Ticket: d.u32()}
	count := d.u32()
	for i := uint32(0); i < count && d.Err() == nil; i++ {
		m.Attributes = append(m.Attributes, AliasedAttribute{
			NameAlias:   d.u32(),
			Creation:    d.i64(),
			Expiration:  d.i64(),
			OriginAlias: d.u32(),
			Data:        d.bytes(),
		})
	}
	return m, d.Err()
}

// RequestComplete signals that a one-shot request finished or that a
// subscription was cancelled; no further data follows for the ticket.
type RequestComplete struct {
	Ticket uint32
}

func (RequestComplete) ID() byte { return ClientRequestCompleteID }

func (m RequestComplete) MarshalPayload(b []byte) []byte {
	return appendU32(b, m.Ticket)
}

// DecodeRequestComplete parses a request_complete payload.
func DecodeRequestComplete(payload []byte) (RequestComplete, error) {
	d := newDecoder(payload)
	m := RequestComplete{Ticket: d.u32()}
	return m, d.Err()
}
