// Package realtime is the WebSocket boundary of the engine. It translates
// wire messages to room calls and room events to wire messages; no business
// logic lives here.
//
// Inbound:  JoinAuction, PlaceBid, GetCurrentPrice.
// Outbound: PriceTick, BidPlaced, ReceiveReminder, AuctionUpdated, Error.
//
// The first frame on a connection must be JoinAuction. Error frames go only
// to the connection whose request failed, never broadcast. The engine makes
// no delivery guarantees across a disconnect: clients must re-join and
// resync via GetCurrentPrice, and detect missed bids by sequence gaps.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"agrobid/internal/auction"
)

const (
	msgJoinAuction     = "JoinAuction"
	msgPlaceBid        = "PlaceBid"
	msgGetCurrentPrice = "GetCurrentPrice"

	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingEvery    = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type inbound struct {
	Type      string          `json:"type"`
	AuctionID string          `json:"auctionId"`
	UserID    string          `json:"userId"`
	Increment decimal.Decimal `json:"increment"`
}

// RoomProvider resolves an auction to its live room.
type RoomProvider interface {
	RoomFor(ctx context.Context, auctionID string) (*auction.Room, error)
}

type WSHandler struct {
	Rooms  RoomProvider
	Logger *log.Logger
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// First frame must be JoinAuction.
	var join inbound
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &join); err != nil || join.Type != msgJoinAuction || join.AuctionID == "" || join.UserID == "" {
		writeDirect(conn, errEnvelope(auction.NewError(auction.CodeForbidden, "expected JoinAuction as first message")))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, err := h.Rooms.RoomFor(ctx, join.AuctionID)
	if err != nil {
		writeDirect(conn, errEnvelope(err))
		return
	}

	connID := uuid.NewString()
	out := make(chan auction.Envelope, 256)
	snap, err := room.Join(ctx, join.UserID, connID, out)
	if err != nil {
		writeDirect(conn, errEnvelope(err))
		return
	}
	defer room.Leave(connID)
	h.Logger.Printf("ws join: auction=%s user=%s conn=%s", join.AuctionID, join.UserID, connID)

	// Per-connection replies (errors, resyncs) ride a separate channel so
	// the room can close out without racing the gateway.
	s := &session{
		replies:    make(chan auction.Envelope, 16),
		writerDone: make(chan struct{}),
	}
	s.replies <- auction.Envelope{Type: auction.TypePriceTick, Payload: snap}

	go func() {
		defer close(s.writerDone)
		writer(ctx, conn, out, s.replies)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.AuctionID != "" && msg.AuctionID != join.AuctionID {
			if !s.reply(errEnvelope(auction.NewError(auction.CodeForbidden, "connection is joined to a different auction"))) {
				return
			}
			continue
		}
		switch msg.Type {
		case msgPlaceBid:
			// The connection identity from JoinAuction is authoritative;
			// the userId field in the payload is not trusted.
			if _, err := room.SubmitBid(ctx, join.UserID, connID, msg.Increment); err != nil {
				if !s.reply(errEnvelope(err)) {
					return
				}
			}
		case msgGetCurrentPrice:
			snap, err := room.Snapshot(ctx)
			if err != nil {
				if !s.reply(errEnvelope(err)) {
					return
				}
				continue
			}
			if !s.reply(auction.Envelope{Type: auction.TypePriceTick, Payload: snap}) {
				return
			}
		}
	}
}

// session pairs the per-connection reply channel with the writer's
// lifetime.
type session struct {
	replies    chan auction.Envelope
	writerDone chan struct{}
}

// reply queues a per-connection frame. It gives up once the writer is gone
// so the read loop never wedges on a channel nobody drains.
func (s *session) reply(env auction.Envelope) bool {
	select {
	case s.replies <- env:
		return true
	case <-s.writerDone:
		return false
	}
}

// writer owns all writes after the handshake. It exits when the room closes
// out (leave or eviction) and drops the connection so the read loop unblocks.
func writer(ctx context.Context, conn *websocket.Conn, out <-chan auction.Envelope, replies <-chan auction.Envelope) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-out:
			if !ok {
				return
			}
			if !writeDirect(conn, msg) {
				return
			}
		case msg := <-replies:
			if !writeDirect(conn, msg) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeDirect(conn *websocket.Conn, msg auction.Envelope) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg) == nil
}

func errEnvelope(err error) auction.Envelope {
	var e *auction.Error
	if errors.As(err, &e) {
		return auction.Envelope{Type: auction.TypeError, Payload: e}
	}
	return auction.Envelope{Type: auction.TypeError, Payload: auction.NewError(auction.CodeInternal, "internal error")}
}
