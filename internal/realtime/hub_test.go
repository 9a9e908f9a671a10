package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/mbd888/mulewatch/internal/notify"
	"github.com/mbd888/mulewatch/internal/risk"
	"github.com/mbd888/mulewatch/internal/txstore"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	time.Sleep(20 * time.Millisecond)
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev struct {
			Type EventType       `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return Event{Type: ev.Type, Data: ev.Data}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return Event{}
	}
}

func sampleTx(id string) txstore.Transaction {
	return txstore.Transaction{ID: id, Sender: "A", Receiver: "B", Amount: decimal.NewFromInt(10), Timestamp: 1}
}

// ---------------------------------------------------------------------------
// Subscription filtering
// ---------------------------------------------------------------------------

func TestSubscription_Follows(t *testing.T) {
	all := Subscription{}
	if !all.follows(EventTransactions) || !all.follows(EventRiskRecords) {
		t.Error("empty subscription should follow every kind")
	}

	riskOnly := Subscription{Kinds: []EventType{EventRiskRecords}}
	if riskOnly.follows(EventTransactions) {
		t.Error("should not follow transactions")
	}
	if !riskOnly.follows(EventRiskRecords) {
		t.Error("should follow risk records")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	runHub(t, h)

	client := &Client{hub: h, send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_ReplaysLatestOnRegister(t *testing.T) {
	h := testHub()
	runHub(t, h)

	h.Broadcast(&Event{Type: EventTransactions, Timestamp: time.Now(), Data: []txstore.Transaction{sampleTx("old")}})
	h.Broadcast(&Event{Type: EventTransactions, Timestamp: time.Now(), Data: []txstore.Transaction{sampleTx("new"), sampleTx("old")}})
	h.Broadcast(&Event{Type: EventRiskRecords, Timestamp: time.Now(), Data: []risk.Record{}})
	time.Sleep(50 * time.Millisecond)

	client := &Client{hub: h, send: make(chan []byte, 256)}
	h.register <- client

	first := receive(t, client)
	if first.Type != EventTransactions {
		t.Fatalf("Expected transactions first, got %s", first.Type)
	}
	if !strings.Contains(string(first.Data.(json.RawMessage)), `"new"`) {
		t.Error("Replay should carry the latest snapshot only")
	}
	if second := receive(t, client); second.Type != EventRiskRecords {
		t.Errorf("Expected risk_records replay, got %s", second.Type)
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	runHub(t, h)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Kinds: []EventType{EventRiskRecords}},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: EventTransactions, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive transaction snapshots")
	default:
	}

	h.Broadcast(&Event{Type: EventRiskRecords, Timestamp: time.Now()})
	if ev := receive(t, client); ev.Type != EventRiskRecords {
		t.Errorf("Expected risk_records, got %s", ev.Type)
	}
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h := testHub()
	runHub(t, h)

	client := &Client{hub: h, send: make(chan []byte)} // never drained
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: EventRiskRecords, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	if n := h.Stats()["connectedClients"].(int); n != 0 {
		t.Errorf("Expected slow client to be dropped, got %d clients", n)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_JoinAndLeaveAfterStop(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.done

	c := &Client{hub: h, send: make(chan []byte, 1)}
	returned := make(chan bool, 1)
	go func() {
		ok := h.join(c)
		h.leave(c)
		returned <- ok
	}()

	select {
	case ok := <-returned:
		if ok {
			t.Error("join should fail once the hub has stopped")
		}
	case <-time.After(time.Second):
		t.Fatal("join/leave blocked on a stopped hub")
	}
}

func TestHub_ClientDisconnectsAfterStop(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	cancel()
	<-h.done

	// The server side closes the socket after the hub stops.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatal("connection still open after hub stopped")
		}
		break
	}
}

// ---------------------------------------------------------------------------
// End to end over a real socket
// ---------------------------------------------------------------------------

func TestHub_WebSocketReplayAndUpdates(t *testing.T) {
	h := testHub()
	runHub(t, h)

	broker := notify.NewBroker()
	broker.Publish([]txstore.Transaction{sampleTx("t1")}, nil)
	detach := h.Attach(broker)
	defer detach()
	time.Sleep(50 * time.Millisecond)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type EventType             `json:"type"`
		Data []txstore.Transaction `json:"data"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if ev.Type != EventTransactions || len(ev.Data) != 1 || ev.Data[0].ID != "t1" {
		t.Fatalf("unexpected replay %+v", ev)
	}
	var replay struct {
		Type EventType `json:"type"`
	}
	if err := conn.ReadJSON(&replay); err != nil || replay.Type != EventRiskRecords {
		t.Fatalf("expected risk_records replay on connect, got %s (%v)", replay.Type, err)
	}

	// Narrow to risk records, then publish a change.
	if err := conn.WriteJSON(Subscription{Kinds: []EventType{EventRiskRecords}}); err != nil {
		t.Fatalf("write subscription: %v", err)
	}
	if err := conn.ReadJSON(&replay); err != nil {
		t.Fatalf("read resubscribe replay: %v", err)
	}
	if replay.Type != EventRiskRecords {
		t.Fatalf("expected risk_records after narrowing, got %s", replay.Type)
	}

	broker.Publish([]txstore.Transaction{sampleTx("t2"), sampleTx("t1")}, []risk.Record{{AccountID: "B", Score: 30, Level: risk.LevelLow}})
	var rec struct {
		Type EventType     `json:"type"`
		Data []risk.Record `json:"data"`
	}
	if err := conn.ReadJSON(&rec); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if rec.Type != EventRiskRecords || len(rec.Data) != 1 || rec.Data[0].AccountID != "B" {
		t.Fatalf("unexpected update %+v", rec)
	}
}
