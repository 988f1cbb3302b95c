package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/koinelab/trilha/internal/account"
	"github.com/koinelab/trilha/internal/logger"
	"github.com/koinelab/trilha/internal/progress/cloudstore"
	"github.com/koinelab/trilha/internal/progress/localstore"
	progsync "github.com/koinelab/trilha/internal/progress/sync"
)

type staticSource struct {
	status progsync.Status
}

func (s staticSource) Status(ctx context.Context) progsync.Status {
	return s.status
}

func startServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{Host: "127.0.0.1", Port: 0, Logger: logger.Nop()})
	server.SetStatusSource(staticSource{status: progsync.Status{Online: true, PendingTasks: 2}})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

// dial connects a client and consumes the status snapshot sent on connect.
func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("Expected welcome message type %s, got %s", MessageTypeStatus, msg.Type)
	}
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Host: "127.0.0.1", Port: 0, Logger: logger.Nop()})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); addr == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketConnection(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("Expected welcome message type %s, got %s", MessageTypeStatus, msg.Type)
	}
	var status progsync.Status
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("Failed to unmarshal status: %v", err)
	}
	if !status.Online || status.PendingTasks != 2 {
		t.Errorf("welcome status = %+v", status)
	}

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	numClients := 3
	for i := 0; i < numClients; i++ {
		dial(t, ctx, server)
	}

	if count := server.ClientCount(); count != numClients {
		t.Errorf("Expected %d clients, got %d", numClients, count)
	}
}

func TestMessageBroadcast(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	data, _ := json.Marshal(TaskData{TaskID: "t1", Kind: "save", ModuleID: "m1", Attempt: 1})
	server.Broadcast(Message{Type: MessageTypeTaskDone, Data: data})

	received := readMessage(t, ctx, conn)
	if received.Type != MessageTypeTaskDone {
		t.Errorf("Expected message type %s, got %s", MessageTypeTaskDone, received.Type)
	}
	if received.Timestamp.IsZero() {
		t.Error("broadcast timestamp not set")
	}
	var task TaskData
	if err := json.Unmarshal(received.Data, &task); err != nil {
		t.Fatalf("Failed to unmarshal task data: %v", err)
	}
	if task.ModuleID != "m1" {
		t.Errorf("Expected module m1, got %s", task.ModuleID)
	}
}

func TestHandler_ManagerEvents(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, logger.Nop())

	local, err := localstore.Open(filepath.Join(t.TempDir(), "progress.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer local.Close()
	if err := local.InitSchema(); err != nil {
		t.Fatal(err)
	}

	backend := cloudstore.NewMemoryStore(nil)
	acct := account.NewStatic(&account.User{ID: "u1"}, account.PlanCloud, time.Time{})
	cfg := progsync.DefaultConfig()
	cfg.Logger = logger.Nop()
	cfg.OnEvent = handler.OnEvent
	mgr := progsync.New(local, cloudstore.NewGate(backend, acct, acct, logger.Nop()), cfg)
	server.SetStatusSource(mgr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	if _, err := mgr.MarkBlockCompleted(ctx, "m1", "b1"); err != nil {
		t.Fatal(err)
	}
	if res, _ := mgr.Queue().Drain(ctx); res.Succeeded != 1 {
		t.Fatalf("drain = %+v", res)
	}

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeTaskDone {
		t.Fatalf("Expected %s, got %s", MessageTypeTaskDone, msg.Type)
	}
	var task TaskData
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		t.Fatal(err)
	}
	if task.ModuleID != "m1" || task.Kind != "save" {
		t.Errorf("task data = %+v", task)
	}

	if _, err := mgr.FullSync(ctx); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeFullSync {
		t.Fatalf("Expected %s, got %s", MessageTypeFullSync, msg.Type)
	}
	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeStatus {
		t.Fatalf("Expected %s after full sync, got %s", MessageTypeStatus, msg.Type)
	}

	got := handler.GetCounters()
	if got.Delivered != 1 || got.FullSyncs != 1 {
		t.Errorf("counters = %+v", got)
	}
}

func TestHandler_RetryEvent(t *testing.T) {
	server := NewServer(&Config{Logger: logger.Nop()})
	handler := NewHandler(server, logger.Nop())

	next := time.Date(2026, 9, 1, 10, 0, 30, 0, time.UTC)
	handler.OnEvent(progsync.Event{
		Type:          progsync.EventTaskRetry,
		TaskID:        "t1",
		Kind:          "save",
		ModuleID:      "m1",
		Attempt:       1,
		Error:         "connection refused",
		NextAttemptAt: next,
	})
	handler.OnEvent(progsync.Event{Type: "unknown"})

	msg := <-server.broadcast
	if msg.Type != MessageTypeTaskRetry {
		t.Fatalf("Expected %s, got %s", MessageTypeTaskRetry, msg.Type)
	}
	var task TaskData
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		t.Fatal(err)
	}
	if task.NextAttemptAt == nil || !task.NextAttemptAt.Equal(next) {
		t.Errorf("next attempt = %v, want %v", task.NextAttemptAt, next)
	}
	if got := handler.GetCounters(); got.Retried != 1 {
		t.Errorf("counters = %+v", got)
	}
	select {
	case extra := <-server.broadcast:
		t.Errorf("unexpected message for unknown event: %+v", extra)
	default:
	}
}

func TestHTTPEndpoints(t *testing.T) {
	server := NewServer(&Config{Logger: logger.Nop()})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/status without source = %d", resp.StatusCode)
	}

	server.SetStatusSource(staticSource{status: progsync.Status{CanSync: true, PendingTasks: 4}})
	resp, err = http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var status progsync.Status
	err = json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !status.CanSync || status.PendingTasks != 4 {
		t.Errorf("/status = %+v", status)
	}

	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]interface{}
	err = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" {
		t.Errorf("/health = %v", health)
	}

	resp, err = http.Get(ts.URL + "/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/missing = %d", resp.StatusCode)
	}
}
