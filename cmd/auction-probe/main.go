// auction-probe is an end-to-end smoke client: it seeds a short auction
// over REST, bids over WebSocket, then drops the connection and verifies
// the reconnect contract (re-join + GetCurrentPrice resync, gap detection
// by sequence).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type priceTick struct {
	AuctionID    string          `json:"auctionId"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	MinIncrement decimal.Decimal `json:"minIncrement"`
	Status       string          `json:"status"`
	Sequence     int64           `json:"sequence"`
}

type bidPlaced struct {
	AuctionID    string          `json:"auctionId"`
	BidID        string          `json:"bidId"`
	BidderUserID string          `json:"bidderUserId"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	Sequence     int64           `json:"sequence"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func main() {
	api := getenv("API", "http://localhost:8080")
	wsURL := toWS(api) + "/ws"
	log.Printf("API=%s WS=%s", api, wsURL)

	now := time.Now().UTC()
	second := now.Add(8 * time.Second)
	create := map[string]any{
		"sellerUserId":  "seller-probe",
		"cropId":        "wheat-hrw",
		"startingPrice": "100",
		"minIncrement":  "5",
		"maxIncrement":  "50",
		"startTime":     now.Format(time.RFC3339),
		"endTime":       now.Add(15 * time.Second).Format(time.RFC3339),
		"secondEndTime": second.Format(time.RFC3339),
	}
	var created struct {
		AuctionID string `json:"auctionId"`
	}
	must(httpPostJSON(api+"/api/auctions", create, &created))
	log.Printf("created auction %s", created.AuctionID)

	conn := dialWithBackoff(wsURL)
	defer conn.Close()

	join := map[string]any{"type": "JoinAuction", "auctionId": created.AuctionID, "userId": "probe-1"}
	must(conn.WriteJSON(join))

	var snap priceTick
	waitFor(conn, "PriceTick", &snap)
	log.Printf("joined: price=%s status=%s seq=%d", snap.CurrentPrice, snap.Status, snap.Sequence)

	// Valid bid at the minimum increment.
	must(conn.WriteJSON(map[string]any{
		"type": "PlaceBid", "auctionId": created.AuctionID, "userId": "probe-1", "increment": "5",
	}))
	var placed bidPlaced
	waitFor(conn, "BidPlaced", &placed)
	if placed.Sequence != snap.Sequence+1 {
		log.Fatalf("expected sequence %d, got %d", snap.Sequence+1, placed.Sequence)
	}
	log.Printf("bid accepted: price=%s seq=%d", placed.CurrentPrice, placed.Sequence)

	// Over-ceiling increment must be rejected and must not move the price.
	must(conn.WriteJSON(map[string]any{
		"type": "PlaceBid", "auctionId": created.AuctionID, "userId": "probe-1", "increment": "500",
	}))
	var rejected wireError
	waitFor(conn, "Error", &rejected)
	if rejected.Code != "increment_out_of_range" {
		log.Fatalf("expected increment_out_of_range, got %s", rejected.Code)
	}
	log.Printf("oversized increment rejected: %s", rejected.Code)

	// Drop and reconnect: the contract is re-join + GetCurrentPrice, no
	// replay of missed events.
	conn.Close()
	conn = dialWithBackoff(wsURL)
	defer conn.Close()
	must(conn.WriteJSON(join))
	var rejoined priceTick
	waitFor(conn, "PriceTick", &rejoined)
	must(conn.WriteJSON(map[string]any{"type": "GetCurrentPrice", "auctionId": created.AuctionID}))
	var resync priceTick
	waitFor(conn, "PriceTick", &resync)
	if resync.Sequence != placed.Sequence || !resync.CurrentPrice.Equal(placed.CurrentPrice) {
		log.Fatalf("resync mismatch: price=%s seq=%d", resync.CurrentPrice, resync.Sequence)
	}
	log.Printf("reconnect resync OK: price=%s seq=%d", resync.CurrentPrice, resync.Sequence)

	// Ride out the reminder and the timed close.
	sawReminder := false
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(25 * time.Second))
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			log.Fatalf("read: %v", err)
		}
		switch env.Type {
		case "ReceiveReminder":
			sawReminder = true
			log.Printf("reminder received")
		case "AuctionUpdated":
			var st struct {
				Status string `json:"status"`
			}
			_ = json.Unmarshal(env.Payload, &st)
			if st.Status == "Closed" {
				if !sawReminder {
					log.Fatalf("auction closed without reminder")
				}
				log.Printf("auction closed on schedule; probe passed")
				return
			}
		}
	}
	log.Fatalf("timed out waiting for close")
}

func dialWithBackoff(wsURL string) *websocket.Conn {
	backoff := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err == nil {
			return conn
		}
		if attempt >= 8 {
			log.Fatalf("ws dial: %v", err)
		}
		log.Printf("ws dial failed (attempt %d), retrying in %s: %v", attempt, backoff, err)
		time.Sleep(backoff)
		backoff *= 2
	}
}

func waitFor(conn *websocket.Conn, msgType string, out any) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			log.Fatalf("read waiting for %s: %v", msgType, err)
		}
		if env.Type == "Error" && msgType != "Error" {
			log.Fatalf("unexpected error frame: %s", env.Payload)
		}
		if env.Type == msgType {
			must(json.Unmarshal(env.Payload, out))
			return
		}
	}
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func httpPostJSON(url string, body, out any) error {
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func toWS(httpURL string) string {
	if len(httpURL) >= 5 && httpURL[:5] == "https" {
		return "wss" + httpURL[5:]
	}
	if len(httpURL) >= 4 && httpURL[:4] == "http" {
		return "ws" + httpURL[4:]
	}
	return httpURL
}
