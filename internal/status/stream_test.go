package status

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func newStreamServer(t *testing.T, heartbeat time.Duration) (*UpdateManager, *Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, _ := newTestStore(t)
	hub := NewHub(nil)
	manager := NewUpdateManager(store, hub, nil)

	router := gin.New()
	router.GET("/index/status/:task_id/stream", StreamHandler(manager, hub, heartbeat, nil))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return manager, hub, server
}

func dialStream(t *testing.T, server *httptest.Server, taskID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/index/status/" + taskID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame failed: %v", err)
	}
	return msg
}

func TestStreamSendsInitialStatusThenUpdates(t *testing.T) {
	manager, hub, server := newStreamServer(t, time.Minute)

	record := NewTaskRecord("task-1", "run-1", "example-repo", time.Now().UTC())
	if err := manager.Create(t.Context(), record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	conn := dialStream(t, server, "task-1")

	first := readFrame(t, conn)
	if first.Type != MessageInitialStatus {
		t.Fatalf("unexpected first frame: %s", first.Type)
	}
	if first.Data == nil || first.Data.TaskID != "task-1" {
		t.Fatalf("initial frame carries wrong record: %#v", first.Data)
	}

	// 購読が確立してから更新を流します
	waitForSubscriber(t, hub, "task-1")
	manager.AddStageProgress(t.Context(), "task-1", StageAnalyzing, 10, 10)

	update := readFrame(t, conn)
	if update.Type != MessageStatusUpdate {
		t.Fatalf("unexpected frame: %s", update.Type)
	}
	if update.Data == nil || update.Data.CurrentStage != StageAnalyzing {
		t.Fatalf("update frame carries wrong record: %#v", update.Data)
	}
}

func TestStreamUnknownTaskSendsErrorFrame(t *testing.T) {
	_, _, server := newStreamServer(t, time.Minute)

	conn := dialStream(t, server, "no-such-task")

	frame := readFrame(t, conn)
	if frame.Type != MessageError {
		t.Fatalf("unexpected frame: %s", frame.Type)
	}
	if frame.Message == "" {
		t.Fatal("error frame should carry a message")
	}
}

func TestStreamRespondsToPing(t *testing.T) {
	manager, _, server := newStreamServer(t, time.Minute)

	record := NewTaskRecord("task-1", "run-1", "example-repo", time.Now().UTC())
	if err := manager.Create(t.Context(), record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	conn := dialStream(t, server, "task-1")
	readFrame(t, conn) // initial_status

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping failed: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.Type != MessagePong {
		t.Fatalf("expected pong, got %s", frame.Type)
	}
}

func TestStreamSendsHeartbeatWhenIdle(t *testing.T) {
	manager, _, server := newStreamServer(t, 50*time.Millisecond)

	record := NewTaskRecord("task-1", "run-1", "example-repo", time.Now().UTC())
	if err := manager.Create(t.Context(), record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	conn := dialStream(t, server, "task-1")
	readFrame(t, conn) // initial_status

	frame := readFrame(t, conn)
	if frame.Type != MessageHeartbeat {
		t.Fatalf("expected heartbeat, got %s", frame.Type)
	}
}

func TestStreamUnsubscribesOnDisconnect(t *testing.T) {
	manager, hub, server := newStreamServer(t, time.Minute)

	record := NewTaskRecord("task-1", "run-1", "example-repo", time.Now().UTC())
	if err := manager.Create(t.Context(), record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	conn := dialStream(t, server, "task-1")
	readFrame(t, conn) // initial_status
	waitForSubscriber(t, hub, "task-1")

	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for hub.SubscriberCount("task-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForSubscriber(t *testing.T, hub *Hub, taskID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.SubscriberCount(taskID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber did not register")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
