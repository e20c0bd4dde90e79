package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"agrobid/internal/auction"
	"agrobid/internal/registry"
)

type wireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newTestServer(t *testing.T) (*httptest.Server, *registry.MemoryStore) {
	t.Helper()
	store := registry.NewMemoryStore()
	logger := log.New(io.Discard, "", 0)
	mgr := auction.NewManager(store, nil, nil, auction.RoomOptions{
		QueueTimeout:   time.Second,
		GracePeriod:    time.Hour,
		ResyncInterval: time.Hour,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", &WSHandler{Rooms: mgr, Logger: logger})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func seedOpenAuction(t *testing.T, store *registry.MemoryStore) *auction.Auction {
	t.Helper()
	now := time.Now().UTC()
	a := &auction.Auction{
		ID:            "a-1",
		SellerUserID:  "seller-7",
		CropID:        "wheat-hrw",
		StartingPrice: decimal.NewFromInt(1000),
		MinIncrement:  decimal.NewFromInt(50),
		MaxIncrement:  decimal.NewFromInt(500),
		StartTime:     now.Add(-time.Minute),
		EndTime:       now.Add(time.Hour),
		Status:        auction.StatusOpen,
		CreatedAt:     now,
	}
	assert.Nil(t, store.CreateAuction(context.Background(), a))
	return a
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func joinAuction(t *testing.T, conn *websocket.Conn, auctionID, userID string) {
	t.Helper()
	assert.Nil(t, conn.WriteJSON(map[string]any{
		"type": "JoinAuction", "auctionId": auctionID, "userId": userID,
	}))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wireEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env wireEnvelope
	assert.Nil(t, conn.ReadJSON(&env))
	return env
}

func TestWSHandler_JoinThenBidBroadcastsToAllMembers(t *testing.T) {
	srv, store := newTestServer(t)
	a := seedOpenAuction(t, store)

	alice := dialWS(t, srv)
	joinAuction(t, alice, a.ID, "alice")
	env := readEnvelope(t, alice)
	assert.Equal(t, auction.TypePriceTick, env.Type)

	var snap auction.Snapshot
	assert.Nil(t, json.Unmarshal(env.Payload, &snap))
	check.True(t, snap.CurrentPrice.Equal(decimal.NewFromInt(1000)))
	check.Equal(t, int64(0), snap.Sequence)

	bob := dialWS(t, srv)
	joinAuction(t, bob, a.ID, "bob")
	env = readEnvelope(t, bob)
	assert.Equal(t, auction.TypePriceTick, env.Type)

	assert.Nil(t, alice.WriteJSON(map[string]any{
		"type": "PlaceBid", "auctionId": a.ID, "userId": "alice", "increment": 50,
	}))

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := readEnvelope(t, conn)
		assert.Equal(t, auction.TypeBidPlaced, env.Type)
		var placed auction.BidPlaced
		assert.Nil(t, json.Unmarshal(env.Payload, &placed))
		check.Equal(t, "alice", placed.BidderUserID)
		check.Equal(t, int64(1), placed.Sequence)
		check.True(t, placed.CurrentPrice.Equal(decimal.NewFromInt(1050)))
		check.NotEqual(t, "", placed.BidID)
	}
}

func TestWSHandler_ErrorGoesOnlyToRequester(t *testing.T) {
	srv, store := newTestServer(t)
	a := seedOpenAuction(t, store)

	alice := dialWS(t, srv)
	joinAuction(t, alice, a.ID, "alice")
	readEnvelope(t, alice) // join PriceTick

	bob := dialWS(t, srv)
	joinAuction(t, bob, a.ID, "bob")
	readEnvelope(t, bob)

	// Oversized increment: alice gets an Error, bob must see nothing.
	assert.Nil(t, alice.WriteJSON(map[string]any{
		"type": "PlaceBid", "auctionId": a.ID, "userId": "alice", "increment": 600,
	}))
	env := readEnvelope(t, alice)
	assert.Equal(t, auction.TypeError, env.Type)
	var wireErr auction.Error
	assert.Nil(t, json.Unmarshal(env.Payload, &wireErr))
	check.Equal(t, auction.CodeIncrementOutOfRange, wireErr.Code)

	// Bob's next frame is the broadcast for a subsequent valid bid, proving
	// the rejection was never fanned out.
	assert.Nil(t, alice.WriteJSON(map[string]any{
		"type": "PlaceBid", "auctionId": a.ID, "userId": "alice", "increment": 50,
	}))
	env = readEnvelope(t, bob)
	check.Equal(t, auction.TypeBidPlaced, env.Type)
}

func TestWSHandler_SellerCannotJoin(t *testing.T) {
	srv, store := newTestServer(t)
	a := seedOpenAuction(t, store)

	conn := dialWS(t, srv)
	joinAuction(t, conn, a.ID, "seller-7")
	env := readEnvelope(t, conn)
	assert.Equal(t, auction.TypeError, env.Type)
	var wireErr auction.Error
	assert.Nil(t, json.Unmarshal(env.Payload, &wireErr))
	check.Equal(t, auction.CodeForbidden, wireErr.Code)
}

func TestWSHandler_UnknownAuction(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv)
	joinAuction(t, conn, "missing", "alice")
	env := readEnvelope(t, conn)
	assert.Equal(t, auction.TypeError, env.Type)
	var wireErr auction.Error
	assert.Nil(t, json.Unmarshal(env.Payload, &wireErr))
	check.Equal(t, auction.CodeNotFound, wireErr.Code)
}

func TestWSHandler_FirstFrameMustBeJoin(t *testing.T) {
	srv, store := newTestServer(t)
	a := seedOpenAuction(t, store)

	conn := dialWS(t, srv)
	assert.Nil(t, conn.WriteJSON(map[string]any{
		"type": "PlaceBid", "auctionId": a.ID, "userId": "alice", "increment": 50,
	}))
	env := readEnvelope(t, conn)
	check.Equal(t, auction.TypeError, env.Type)
}

func TestWSHandler_MismatchedAuctionIDRejected(t *testing.T) {
	srv, store := newTestServer(t)
	a := seedOpenAuction(t, store)

	alice := dialWS(t, srv)
	joinAuction(t, alice, a.ID, "alice")
	readEnvelope(t, alice)

	// A frame naming a different auction is refused, not routed to the
	// joined room.
	assert.Nil(t, alice.WriteJSON(map[string]any{
		"type": "PlaceBid", "auctionId": "someone-elses", "userId": "alice", "increment": 50,
	}))
	env := readEnvelope(t, alice)
	assert.Equal(t, auction.TypeError, env.Type)
	var wireErr auction.Error
	assert.Nil(t, json.Unmarshal(env.Payload, &wireErr))
	check.Equal(t, auction.CodeForbidden, wireErr.Code)

	assert.Nil(t, alice.WriteJSON(map[string]any{
		"type": "GetCurrentPrice", "auctionId": "someone-elses",
	}))
	env = readEnvelope(t, alice)
	check.Equal(t, auction.TypeError, env.Type)

	// The joined room never saw the mismatched bid: the next valid one is
	// sequence 1 on the unchanged price.
	assert.Nil(t, alice.WriteJSON(map[string]any{
		"type": "PlaceBid", "auctionId": a.ID, "userId": "alice", "increment": 50,
	}))
	env = readEnvelope(t, alice)
	assert.Equal(t, auction.TypeBidPlaced, env.Type)
	var placed auction.BidPlaced
	assert.Nil(t, json.Unmarshal(env.Payload, &placed))
	check.Equal(t, int64(1), placed.Sequence)
	check.True(t, placed.CurrentPrice.Equal(decimal.NewFromInt(1050)))
}

func TestSessionReplyGivesUpWhenWriterGone(t *testing.T) {
	s := &session{
		replies:    make(chan auction.Envelope, 1),
		writerDone: make(chan struct{}),
	}
	check.True(t, s.reply(auction.Envelope{Type: auction.TypePriceTick}))

	// Buffer full and the writer gone: the caller must be released, not
	// parked on a channel nobody drains.
	close(s.writerDone)
	done := make(chan bool, 1)
	go func() { done <- s.reply(auction.Envelope{Type: auction.TypeError}) }()
	select {
	case ok := <-done:
		check.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("reply blocked after writer exit")
	}
}

func TestWSHandler_GetCurrentPriceResync(t *testing.T) {
	srv, store := newTestServer(t)
	a := seedOpenAuction(t, store)

	alice := dialWS(t, srv)
	joinAuction(t, alice, a.ID, "alice")
	readEnvelope(t, alice)

	assert.Nil(t, alice.WriteJSON(map[string]any{
		"type": "PlaceBid", "auctionId": a.ID, "userId": "alice", "increment": 50,
	}))
	readEnvelope(t, alice) // BidPlaced

	// A reconnecting client re-joins and resyncs; nothing is replayed.
	carol := dialWS(t, srv)
	joinAuction(t, carol, a.ID, "carol")
	env := readEnvelope(t, carol)
	assert.Equal(t, auction.TypePriceTick, env.Type)

	assert.Nil(t, carol.WriteJSON(map[string]any{
		"type": "GetCurrentPrice", "auctionId": a.ID,
	}))
	env = readEnvelope(t, carol)
	assert.Equal(t, auction.TypePriceTick, env.Type)
	var snap auction.Snapshot
	assert.Nil(t, json.Unmarshal(env.Payload, &snap))
	check.Equal(t, int64(1), snap.Sequence)
	check.True(t, snap.CurrentPrice.Equal(decimal.NewFromInt(1050)))
}
