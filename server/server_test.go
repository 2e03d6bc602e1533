package server

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/OwlPlatform/world-model/engine"
	"github.com/OwlPlatform/world-model/wire"
	"github.com/OwlPlatform/world-model/wm"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	eng := engine.New(engine.Options{Logger: zap.NewNop().Sugar()})
	eng.Start()
	srv := New(eng, Options{
		Timeout: 5 * time.Second,
		Logger:  zap.NewNop().Sugar(),
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.Stop()
		eng.Stop()
	})
	return srv
}

// testPeer is a minimal wire-protocol peer for exercising the server over
// real sockets.
type testPeer struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
	// Alias tables learned from attribute_alias / origin_alias messages.
	attrNames   map[uint32]string
	originNames map[uint32]string
}

func dialPeer(t *testing.T, addr net.Addr) *testPeer {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Complete the mutual handshake.
	hs := wire.Handshake()
	_, err = conn.Write(hs)
	require.NoError(t, err)
	got := make([]byte, len(hs))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.True(t, bytes.Equal(hs, got))

	return &testPeer{
		t:           t,
		conn:        conn,
		br:          bufio.NewReader(conn),
		attrNames:   make(map[uint32]string),
		originNames: make(map[uint32]string),
	}
}

func (p *testPeer) send(m wire.Message) {
	p.t.Helper()
	require.NoError(p.t, wire.WriteMessage(p.conn, m))
}

// next returns the next non-keep-alive frame, absorbing alias messages
// into the peer's tables.
func (p *testPeer) next(deadline time.Time) (byte, []byte, bool) {
	p.t.Helper()
	for time.Now().Before(deadline) {
		p.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		id, payload, err := wire.ReadFrame(p.br)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return 0, nil, false
		}
		switch id {
		case wire.ClientKeepAliveID:
			continue
		case wire.ClientAttributeAliasID:
			aliases, err := wire.DecodeAliases(payload)
			require.NoError(p.t, err)
			for _, a := range aliases {
				p.attrNames[a.Alias] = a.Name
			}
			continue
		case wire.ClientOriginAliasID:
			aliases, err := wire.DecodeAliases(payload)
			require.NoError(p.t, err)
			for _, a := range aliases {
				p.originNames[a.Alias] = a.Name
			}
			continue
		}
		return id, payload, true
	}
	return 0, nil, false
}

// barrier round-trips a no-op snapshot so every earlier message on the
// connection has been processed before the caller proceeds.
func (p *testPeer) barrier(ticket uint32) {
	p.t.Helper()
	p.send(wire.SnapshotRequest{Request: wire.Request{
		Ticket:            ticket,
		URIPattern:        "barrier-none",
		AttributePatterns: []string{"barrier-none"},
	}})
	deadline := time.Now().Add(3 * time.Second)
	for {
		id, payload, ok := p.next(deadline)
		require.True(p.t, ok, "barrier snapshot never completed")
		if id != wire.ClientRequestCompleteID {
			continue
		}
		rc, err := wire.DecodeRequestComplete(payload)
		require.NoError(p.t, err)
		if rc.Ticket == ticket {
			return
		}
	}
}

// announceSolver sets up a solver origin with attribute aliases 1..n.
func announceSolver(p *testPeer, origin string, names ...string) {
	types := make([]wire.TypeSpecification, 0, len(names))
	for i, name := range names {
		types = append(types, wire.TypeSpecification{Alias: uint32(i + 1), Name: name})
	}
	p.send(wire.TypeAnnounce{Types: types, Origin: origin})
}

func TestHandshakeMismatchClosesConnection(t *testing.T) {
	srv := startTestServer(t)
	conn, err := net.Dial("tcp", srv.SolverAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Read the server's handshake, answer with garbage of the same size.
	hs := wire.Handshake()
	buf := make([]byte, len(hs))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	garbage := make([]byte, len(hs))
	_, err = conn.Write(garbage)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err, "server must drop the connection on handshake mismatch")
}

func TestSnapshotThroughWire(t *testing.T) {
	srv := startTestServer(t)
	solver := dialPeer(t, srv.SolverAddr())
	client := dialPeer(t, srv.ClientAddr())

	announceSolver(solver, "s", "temp")
	solver.send(wire.SolverData{
		CreateURIs: true,
		Solutions: []wire.Solution{
			{TypeAlias: 1, Time: 200, Target: "room.1", Data: []byte{0x10}},
		},
	})

	// Poll with fresh tickets until the write is visible.
	deadline := time.Now().Add(3 * time.Second)
	var ticket uint32
	for time.Now().Before(deadline) {
		ticket++
		client.send(wire.SnapshotRequest{Request: wire.Request{
			Ticket:            ticket,
			URIPattern:        ".*",
			AttributePatterns: []string{"temp"},
		}})
		sawData := false
		for {
			id, payload, ok := client.next(deadline)
			require.True(t, ok, "connection lost while waiting for snapshot")
			if id == wire.ClientDataResponseID {
				resp, err := wire.DecodeDataResponse(payload)
				require.NoError(t, err)
				assert.Equal(t, "room.1", resp.URI)
				assert.Equal(t, ticket, resp.Ticket)
				require.Len(t, resp.Attributes, 1)
				attr := resp.Attributes[0]
				assert.Equal(t, "temp", client.attrNames[attr.NameAlias])
				assert.Equal(t, "s", client.originNames[attr.OriginAlias])
				assert.Equal(t, wm.Time(200), attr.Creation)
				assert.Equal(t, []byte{0x10}, attr.Data)
				sawData = true
				continue
			}
			if id == wire.ClientRequestCompleteID {
				rc, err := wire.DecodeRequestComplete(payload)
				require.NoError(t, err)
				assert.Equal(t, ticket, rc.Ticket)
				break
			}
		}
		if sawData {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("snapshot never showed the inserted attribute")
}

func TestStreamFullCoverageAndCancel(t *testing.T) {
	srv := startTestServer(t)
	solver := dialPeer(t, srv.SolverAddr())
	client := dialPeer(t, srv.ClientAddr())

	announceSolver(solver, "s", "a", "b")

	const ticket = 7
	client.send(wire.StreamRequest{
		Ticket:            ticket,
		URIPattern:        "room\\..*",
		AttributePatterns: []string{"^a$", "^b$"},
		Interval:          20,
	})
	client.barrier(9000)

	// Insert a alone: partial coverage, nothing may be delivered.
	solver.send(wire.SolverData{CreateURIs: true, Solutions: []wire.Solution{
		{TypeAlias: 1, Time: 100, Target: "room.1"},
	}})
	if id, _, ok := client.next(time.Now().Add(300 * time.Millisecond)); ok {
		t.Fatalf("unexpected message %d before full coverage", id)
	}

	// Insert b: coverage complete, both attributes must arrive.
	solver.send(wire.SolverData{CreateURIs: false, Solutions: []wire.Solution{
		{TypeAlias: 2, Time: 200, Target: "room.1"},
	}})
	names := make(map[string]bool)
	deadline := time.Now().Add(3 * time.Second)
	for len(names) < 2 {
		id, payload, ok := client.next(deadline)
		require.True(t, ok, "no delivery after full coverage")
		require.Equal(t, wire.ClientDataResponseID, id)
		resp, err := wire.DecodeDataResponse(payload)
		require.NoError(t, err)
		assert.Equal(t, uint32(ticket), resp.Ticket)
		for _, attr := range resp.Attributes {
			names[client.attrNames[attr.NameAlias]] = true
		}
	}
	assert.True(t, names["a"])
	assert.True(t, names["b"])

	// A newer a: only the change flows.
	solver.send(wire.SolverData{CreateURIs: false, Solutions: []wire.Solution{
		{TypeAlias: 1, Time: 300, Target: "room.1"},
	}})
	id, payload, ok := client.next(deadline)
	require.True(t, ok)
	require.Equal(t, wire.ClientDataResponseID, id)
	resp, err := wire.DecodeDataResponse(payload)
	require.NoError(t, err)
	require.Len(t, resp.Attributes, 1)
	assert.Equal(t, "a", client.attrNames[resp.Attributes[0].NameAlias])
	assert.Equal(t, wm.Time(300), resp.Attributes[0].Creation)

	// Cancel: the next message on the ticket is request_complete and
	// nothing else follows.
	client.send(wire.CancelRequest{Ticket: ticket})
	for {
		id, payload, ok := client.next(deadline)
		require.True(t, ok, "cancel was never acknowledged")
		if id == wire.ClientDataResponseID {
			continue
		}
		require.Equal(t, wire.ClientRequestCompleteID, id)
		rc, err := wire.DecodeRequestComplete(payload)
		require.NoError(t, err)
		assert.Equal(t, uint32(ticket), rc.Ticket)
		break
	}

	solver.send(wire.SolverData{CreateURIs: false, Solutions: []wire.Solution{
		{TypeAlias: 2, Time: 400, Target: "room.1"},
	}})
	if id, _, ok := client.next(time.Now().Add(300 * time.Millisecond)); ok {
		t.Fatalf("message %d delivered after cancellation", id)
	}
}

func TestOriginPreferenceSuppression(t *testing.T) {
	srv := startTestServer(t)
	hi := dialPeer(t, srv.SolverAddr())
	lo := dialPeer(t, srv.SolverAddr())
	client := dialPeer(t, srv.ClientAddr())

	announceSolver(hi, "hi", "loc")
	announceSolver(lo, "lo", "loc")

	client.send(wire.OriginPreference{Preferences: []wire.OriginPreferenceEntry{
		{Origin: "hi", Preference: 10},
		{Origin: "lo", Preference: 1},
	}})
	client.send(wire.StreamRequest{
		Ticket:            1,
		URIPattern:        "o1",
		AttributePatterns: []string{"^loc$"},
		Interval:          20,
	})
	client.barrier(9000)

	lo.send(wire.SolverData{CreateURIs: true, Solutions: []wire.Solution{
		{TypeAlias: 1, Time: 100, Target: "o1", Data: []byte{0x01}},
	}})
	hi.send(wire.SolverData{CreateURIs: true, Solutions: []wire.Solution{
		{TypeAlias: 1, Time: 150, Target: "o1", Data: []byte{0x02}},
	}})

	// Wait until hi's value arrives.
	deadline := time.Now().Add(3 * time.Second)
	sawHi := false
	for !sawHi {
		id, payload, ok := client.next(deadline)
		require.True(t, ok, "hi's value never arrived")
		if id != wire.ClientDataResponseID {
			continue
		}
		resp, err := wire.DecodeDataResponse(payload)
		require.NoError(t, err)
		for _, attr := range resp.Attributes {
			if client.originNames[attr.OriginAlias] == "hi" {
				sawHi = true
			}
		}
	}

	// A later publish from lo is suppressed.
	lo.send(wire.SolverData{CreateURIs: false, Solutions: []wire.Solution{
		{TypeAlias: 1, Time: 200, Target: "o1", Data: []byte{0x03}},
	}})
	loDeadline := time.Now().Add(500 * time.Millisecond)
	for {
		id, payload, ok := client.next(loDeadline)
		if !ok {
			break
		}
		if id != wire.ClientDataResponseID {
			continue
		}
		resp, err := wire.DecodeDataResponse(payload)
		require.NoError(t, err)
		for _, attr := range resp.Attributes {
			assert.NotEqual(t, "lo", client.originNames[attr.OriginAlias],
				"lo's publish must be suppressed once hi outranks it")
		}
	}
}

func TestURISearchOverWire(t *testing.T) {
	srv := startTestServer(t)
	solver := dialPeer(t, srv.SolverAddr())
	client := dialPeer(t, srv.ClientAddr())

	solver.send(wire.CreateURI{URI: "room.1", Creation: 100, Origin: "s"})
	solver.send(wire.CreateURI{URI: "room.2", Creation: 100, Origin: "s"})
	solver.send(wire.CreateURI{URI: "hall", Creation: 100, Origin: "s"})

	deadline := time.Now().Add(3 * time.Second)
	for {
		client.send(wire.URISearch{Pattern: "room\\..*"})
		id, payload, ok := client.next(deadline)
		require.True(t, ok, "no search response")
		require.Equal(t, wire.ClientURISearchResponseID, id)
		resp, err := wire.DecodeURISearchResponse(payload)
		require.NoError(t, err)
		if len(resp.URIs) == 2 {
			assert.ElementsMatch(t, []string{"room.1", "room.2"}, resp.URIs)
			break
		}
		require.False(t, time.Now().After(deadline), "search never found the created URIs")
		time.Sleep(20 * time.Millisecond)
	}

	// An invalid pattern yields an empty result and keeps the connection.
	client.send(wire.URISearch{Pattern: "["})
	id, payload, ok := client.next(deadline)
	require.True(t, ok)
	require.Equal(t, wire.ClientURISearchResponseID, id)
	resp, err := wire.DecodeURISearchResponse(payload)
	require.NoError(t, err)
	assert.Empty(t, resp.URIs)

	client.send(wire.URISearch{Pattern: "hall"})
	id, payload, ok = client.next(deadline)
	require.True(t, ok, "connection must survive an invalid pattern")
	require.Equal(t, wire.ClientURISearchResponseID, id)
	resp, err = wire.DecodeURISearchResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"hall"}, resp.URIs)
}

func TestNegativeStreamIntervalDropsConnection(t *testing.T) {
	srv := startTestServer(t)
	client := dialPeer(t, srv.ClientAddr())

	client.send(wire.StreamRequest{
		Ticket:            1,
		URIPattern:        ".*",
		AttributePatterns: []string{".*"},
		Interval:          -5,
	})

	// The server closes the connection; reads eventually fail.
	deadline := time.Now().Add(3 * time.Second)
	for {
		client.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, err := client.br.ReadByte()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				require.False(t, time.Now().After(deadline), "connection was not dropped")
				continue
			}
			return
		}
	}
}

func TestOnDemandSignalling(t *testing.T) {
	srv := startTestServer(t)
	solver := dialPeer(t, srv.SolverAddr())
	client := dialPeer(t, srv.ClientAddr())

	// Announce an on-demand type; it starts switched off.
	solver.send(wire.TypeAnnounce{
		Types:  []wire.TypeSpecification{{Alias: 1, Name: "camera.frame", OnDemand: true}},
		Origin: "vision",
	})

	// Client demand arrives: the solver must receive start_on_demand.
	client.send(wire.StreamRequest{
		Ticket:            5,
		URIPattern:        "room\\..*",
		AttributePatterns: []string{"camera.frame"},
		Interval:          50,
	})

	deadline := time.Now().Add(3 * time.Second)
	started := false
	for !started {
		solver.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		id, payload, err := wire.ReadFrame(solver.br)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				require.False(t, time.Now().After(deadline), "start_on_demand never arrived")
				continue
			}
			t.Fatalf("solver read failed: %v", err)
		}
		if id != wire.SolverStartOnDemandID {
			continue
		}
		specs, err := wire.DecodeOnDemand(payload)
		require.NoError(t, err)
		require.Len(t, specs, 1)
		assert.Equal(t, uint32(1), specs[0].Alias)
		assert.Equal(t, []string{"room\\..*"}, specs[0].URIPatterns)
		started = true
	}

	// Demand drains on cancel: the solver must receive stop_on_demand.
	client.send(wire.CancelRequest{Ticket: 5})
	stopped := false
	for !stopped {
		solver.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		id, payload, err := wire.ReadFrame(solver.br)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				require.False(t, time.Now().After(deadline), "stop_on_demand never arrived")
				continue
			}
			t.Fatalf("solver read failed: %v", err)
		}
		if id != wire.SolverStopOnDemandID {
			continue
		}
		specs, err := wire.DecodeOnDemand(payload)
		require.NoError(t, err)
		require.Len(t, specs, 1)
		assert.Equal(t, []string{"room\\..*"}, specs[0].URIPatterns)
		stopped = true
	}
}
