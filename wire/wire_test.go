package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OwlPlatform/world-model/errors"
)

func TestHandshakeBytes(t *testing.T) {
	hs := Handshake()
	require.Equal(t, 4+len(protocolString)+2, len(hs))
	assert.Equal(t, uint32(len(protocolString)+2), binary.BigEndian.Uint32(hs[:4]))
	assert.Equal(t, protocolString, string(hs[4:4+len(protocolString)]))
	assert.Equal(t, byte(protocolVersion), hs[len(hs)-2])
	assert.Equal(t, byte(protocolReserved), hs[len(hs)-1])
}

func TestExchangeHandshakeMismatch(t *testing.T) {
	peer := bytes.NewBuffer(make([]byte, len(Handshake())))
	err := ExchangeHandshake(peer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProtocol))
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, CancelRequest{Ticket: 99}))

	id, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, ClientCancelRequestID, id)
	m, err := DecodeCancelRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), m.Ticket)
}

func TestKeepAliveFrame(t *testing.T) {
	frame := Encode(SolverKeepAlive{})
	// Length counts only the message ID byte.
	assert.Equal(t, []byte{0, 0, 0, 1, SolverKeepAliveID}, frame)
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	_, _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProtocol))
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	header := binary.BigEndian.AppendUint32(nil, MaxFrameLength+1)
	_, _, err := ReadFrame(bytes.NewReader(header))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProtocol))
}

func TestStringEncodingIsUTF16BE(t *testing.T) {
	b := appendString(nil, "ab")
	// 4-byte byte length then UTF-16BE code units.
	assert.Equal(t, []byte{0, 0, 0, 4, 0, 'a', 0, 'b'}, b)

	d := newDecoder(b)
	assert.Equal(t, "ab", d.str())
	require.NoError(t, d.Err())
}

func TestTypeAnnounceRoundTrip(t *testing.T) {
	in := TypeAnnounce{
		Types: []TypeSpecification{
			{Alias: 1, Name: "location.x", OnDemand: false},
			{Alias: 2, Name: "camera.frame", OnDemand: true},
		},
		Origin: "solver.vision",
	}
	out, err := DecodeTypeAnnounce(in.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSolverDataRoundTrip(t *testing.T) {
	in := SolverData{
		CreateURIs: true,
		Solutions: []Solution{
			{TypeAlias: 1, Time: 12345, Target: "room.1", Data: []byte{0x10, 0x20}},
			{TypeAlias: 2, Time: -1, Target: "room.2", Data: nil},
		},
	}
	out, err := DecodeSolverData(in.MarshalPayload(nil))
	require.NoError(t, err)
	assert.True(t, out.CreateURIs)
	require.Len(t, out.Solutions, 2)
	assert.Equal(t, in.Solutions[0], out.Solutions[0])
	assert.Equal(t, in.Solutions[1].Target, out.Solutions[1].Target)
	assert.Empty(t, out.Solutions[1].Data)
}

func TestLifecycleMessagesRoundTrip(t *testing.T) {
	create := CreateURI{URI: "room.1", Creation: 100, Origin: "s"}
	gotCreate, err := DecodeCreateURI(create.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, create, gotCreate)

	expire := ExpireURI{URI: "room.1", Expiration: 500, Origin: "s"}
	gotExpire, err := DecodeExpireURI(expire.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, expire, gotExpire)

	del := DeleteURI{URI: "room.1", Origin: "s"}
	gotDel, err := DecodeDeleteURI(del.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, del, gotDel)

	expAttr := ExpireAttribute{URI: "room.1", Name: "temp", Creation: 200, Expiration: 400, Origin: "s"}
	gotExpAttr, err := DecodeExpireAttribute(expAttr.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, expAttr, gotExpAttr)

	delAttr := DeleteAttribute{URI: "room.1", Name: "temp", Origin: "s"}
	gotDelAttr, err := DecodeDeleteAttribute(delAttr.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, delAttr, gotDelAttr)
}

func TestOnDemandRoundTrip(t *testing.T) {
	start := StartOnDemand{Specs: []OnDemandSpec{
		{Alias: 7, URIPatterns: []string{"room\\..*", "hall\\..*"}},
	}}
	specs, err := DecodeOnDemand(start.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, start.Specs, specs)

	stop := StopOnDemand{Specs: start.Specs}
	specs, err = DecodeOnDemand(stop.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, stop.Specs, specs)
}

func TestSnapshotRequestRoundTrip(t *testing.T) {
	in := SnapshotRequest{Request: Request{
		Ticket:            3,
		URIPattern:        "room\\..*",
		AttributePatterns: []string{"temp", "humidity"},
		Start:             0,
		Stop:              0,
	}}
	out, err := DecodeSnapshotRequest(in.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRangeRequestRoundTrip(t *testing.T) {
	in := RangeRequest{Request: Request{
		Ticket:            4,
		URIPattern:        ".*",
		AttributePatterns: []string{"temp"},
		Start:             100,
		Stop:              400,
	}}
	out, err := DecodeRangeRequest(in.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestStreamRequestRoundTrip(t *testing.T) {
	in := StreamRequest{
		Ticket:            7,
		URIPattern:        "room\\.1",
		AttributePatterns: []string{"^a$", "^b$"},
		Interval:          50,
	}
	out, err := DecodeStreamRequest(in.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDataResponseRoundTrip(t *testing.T) {
	in := DataResponse{
		URI:    "room.1",
		Ticket: 7,
		Attributes: []AliasedAttribute{
			{NameAlias: 1, Creation: 200, Expiration: 0, OriginAlias: 1, Data: []byte{0x10}},
			{NameAlias: 2, Creation: 300, Expiration: 400, OriginAlias: 2, Data: nil},
		},
	}
	out, err := DecodeDataResponse(in.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, in.URI, out.URI)
	assert.Equal(t, in.Ticket, out.Ticket)
	require.Len(t, out.Attributes, 2)
	assert.Equal(t, in.Attributes[0], out.Attributes[0])
	assert.Empty(t, out.Attributes[1].Data)
}

func TestURISearchResponseRoundTrip(t *testing.T) {
	in := URISearchResponse{URIs: []string{"room.1", "room.2", "hall"}}
	out, err := DecodeURISearchResponse(in.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	empty, err := DecodeURISearchResponse(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.URIs)
}

func TestOriginPreferenceRoundTrip(t *testing.T) {
	in := OriginPreference{Preferences: []OriginPreferenceEntry{
		{Origin: "hi", Preference: 10},
		{Origin: "lo", Preference: -1},
	}}
	out, err := DecodeOriginPreference(in.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestAliasMessagesRoundTrip(t *testing.T) {
	in := AttributeAlias{Aliases: []Alias{{Alias: 1, Name: "temp"}, {Alias: 2, Name: "loc"}}}
	out, err := DecodeAliases(in.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, in.Aliases, out)
}

func TestTruncatedPayloadFails(t *testing.T) {
	full := CreateURI{URI: "room.1", Creation: 100, Origin: "s"}.MarshalPayload(nil)
	for cut := 1; cut < len(full); cut++ {
		_, err := DecodeCreateURI(full[:cut])
		assert.Errorf(t, err, "cut at %d bytes should fail", cut)
	}
}

func TestRequestCompleteRoundTrip(t *testing.T) {
	out, err := DecodeRequestComplete(RequestComplete{Ticket: 12}.MarshalPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, uint32(12), out.Ticket)
}
