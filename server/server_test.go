package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"ochat/config"
	"ochat/protocol"
	"ochat/store"
	"ochat/transport"
)

func testConfig() *config.Config {
	return &config.Config{
		DBBackend:    "memory",
		Workers:      2,
		PassMinLen:   8,
		ReadTimeout:  2,
		WriteTimeout: 2,
		IdlePollMs:   50,
		IdlePingSec:  1,
		QueuePollMs:  5,
	}
}

func testServer(t *testing.T) *Server {
	t.Helper()

	st, err := store.Open("memory", "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	srv := New(testConfig(), st)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.pool.Run(ctx)

	return srv
}

// dial attaches a fresh client connection to the server under test.
func dial(t *testing.T, srv *Server) *transport.Conn {
	t.Helper()

	clientRaw, serverRaw := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go srv.serveConn(ctx, serverRaw)

	client := transport.NewConn(clientRaw, 2*time.Second)
	t.Cleanup(func() {
		client.Close()
		cancel()
	})
	return client
}

func request(t *testing.T, client *transport.Conn, resource string, body interface{}) (*protocol.Message, map[string]interface{}) {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := client.Write(protocol.BuildRequest(resource, protocol.ContentTypeJSON, data)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	msg, err := protocol.ReadMessage(client, 2*time.Second)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	var decoded map[string]interface{}
	if len(msg.Body) > 0 {
		if err := json.Unmarshal(msg.Body, &decoded); err != nil {
			t.Fatalf("decode response %q: %v", msg.Body, err)
		}
	}
	return msg, decoded
}

func createTestUser(t *testing.T, client *transport.Conn, name, password string) uint64 {
	t.Helper()

	msg, body := request(t, client, protocol.RouteUserCreate,
		map[string]string{"user": name, "password": password})
	if msg.StatusCode != 200 {
		t.Fatalf("create %q: %d %s", name, msg.StatusCode, msg.Body)
	}
	return uint64(body["id"].(float64))
}

func TestUserCreateAndDuplicate(t *testing.T) {
	srv := testServer(t)
	client := dial(t, srv)

	uid := createTestUser(t, client, "alice", "password1")
	if uid == 0 {
		t.Error("uid not assigned")
	}

	msg, body := request(t, client, protocol.RouteUserCreate,
		map[string]string{"user": "alice", "password": "password1"})
	if msg.StatusCode != 409 {
		t.Errorf("duplicate: got %d, want 409", msg.StatusCode)
	}
	if body["error"] != "user already exists" {
		t.Errorf("desc: got %v", body["error"])
	}

	// The connection survives the application error.
	msg, _ = request(t, client, protocol.RouteUserLogin,
		map[string]string{"user": "alice", "password": "password1"})
	if msg.StatusCode != 200 {
		t.Errorf("login after error: got %d, want 200", msg.StatusCode)
	}
}

func TestWeakPassword(t *testing.T) {
	srv := testServer(t)
	client := dial(t, srv)

	msg, body := request(t, client, protocol.RouteUserCreate,
		map[string]string{"user": "alice", "password": "short"})
	if msg.StatusCode != 400 {
		t.Errorf("short password: got %d, want 400", msg.StatusCode)
	}
	if body["error"] != "password is too weak" {
		t.Errorf("desc: got %v", body["error"])
	}

	msg, _ = request(t, client, protocol.RouteUserCreate,
		map[string]string{"user": "alice", "password": "with spaces!"})
	if msg.StatusCode != 400 {
		t.Errorf("bad charset: got %d, want 400", msg.StatusCode)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := testServer(t)
	client := dial(t, srv)

	msg, body := request(t, client, "/v1/no/such/thing", map[string]string{})
	if msg.StatusCode != 404 {
		t.Errorf("got %d, want 404", msg.StatusCode)
	}
	if body["error"] != "resource not found" {
		t.Errorf("desc: got %v", body["error"])
	}
}

func TestBadContentType(t *testing.T) {
	srv := testServer(t)
	client := dial(t, srv)

	if _, err := client.Write(protocol.BuildRequest("/v1/user/login", "application/xml", []byte("{}"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg, err := protocol.ReadMessage(client, 2*time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.StatusCode != 400 {
		t.Errorf("got %d, want 400", msg.StatusCode)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "bad content type" {
		t.Errorf("desc: got %v", body["error"])
	}

	// Still alive afterwards.
	msg, _ = request(t, client, "/v1/no/such/thing", map[string]string{})
	if msg.StatusCode != 404 {
		t.Errorf("follow-up: got %d, want 404", msg.StatusCode)
	}
}

func TestPlainTextContentTypeAccepted(t *testing.T) {
	srv := testServer(t)
	client := dial(t, srv)

	payload := []byte(`{"user":"alice","password":"password1"}`)
	if _, err := client.Write(protocol.BuildRequest(protocol.RouteUserCreate, "text/plain", payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg, err := protocol.ReadMessage(client, 2*time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.StatusCode != 200 {
		t.Errorf("got %d %s, want 200", msg.StatusCode, msg.Body)
	}
}

func TestCreateTaskStorageSelector(t *testing.T) {
	srv := testServer(t)
	sess := &session{srv: srv}

	task, apiErr := sess.buildTask(protocol.RouteUserCreate, map[string]interface{}{
		"user": "alice", "password": "password1",
	})
	if apiErr != nil {
		t.Fatalf("buildTask: %+v", apiErr)
	}
	if task.Storage != srv.cfg.DBBackend {
		t.Errorf("storage: got %q, want %q", task.Storage, srv.cfg.DBBackend)
	}

	task, apiErr = sess.buildTask(protocol.RouteUserLogin, map[string]interface{}{
		"user": "alice", "password": "password1",
	})
	if apiErr != nil {
		t.Fatalf("buildTask: %+v", apiErr)
	}
	if task.Storage != "" {
		t.Errorf("login storage: got %q, want empty", task.Storage)
	}
}

func TestMissingField(t *testing.T) {
	srv := testServer(t)
	client := dial(t, srv)

	msg, _ := request(t, client, protocol.RouteUserLogin,
		map[string]string{"password": "password1"})
	if msg.StatusCode != 400 {
		t.Errorf("missing user: got %d, want 400", msg.StatusCode)
	}

	msg, _ = request(t, client, protocol.RouteUserLogin,
		map[string]string{"user": "alice"})
	if msg.StatusCode != 400 {
		t.Errorf("missing password: got %d, want 400", msg.StatusCode)
	}
}

func TestSendAndHistory(t *testing.T) {
	srv := testServer(t)
	client := dial(t, srv)

	alice := createTestUser(t, client, "alice", "password1")
	createTestUser(t, client, "bob", "password2")

	msg, _ := request(t, client, protocol.RouteMsgSend, map[string]interface{}{
		"uid": alice, "password": "password1", "to": "bob", "message": "hello bob",
	})
	if msg.StatusCode != 200 {
		t.Fatalf("send: got %d %s", msg.StatusCode, msg.Body)
	}

	msg, body := request(t, client, protocol.RouteUserHistory, map[string]interface{}{
		"uid": alice, "password": "password1", "user": "bob", "count": 10,
	})
	if msg.StatusCode != 200 {
		t.Fatalf("history: got %d %s", msg.StatusCode, msg.Body)
	}
	msgs := body["msgs"].([]interface{})
	if len(msgs) != 1 {
		t.Fatalf("history entries: got %d, want 1", len(msgs))
	}
	entry := msgs[0].(map[string]interface{})
	if entry["from"] != "alice" || entry["to"] != "bob" || entry["message"] != "hello bob" {
		t.Errorf("entry: got %v", entry)
	}
}

func TestWrongPassword(t *testing.T) {
	srv := testServer(t)
	client := dial(t, srv)

	alice := createTestUser(t, client, "alice", "password1")

	msg, body := request(t, client, protocol.RouteUserStatus, map[string]interface{}{
		"uid": alice, "password": "wrong", "user": "alice",
	})
	if msg.StatusCode != 403 {
		t.Errorf("got %d, want 403", msg.StatusCode)
	}
	if body["error"] != "wrong password" {
		t.Errorf("desc: got %v", body["error"])
	}
}

func TestIdlePush(t *testing.T) {
	srv := testServer(t)
	client := dial(t, srv)

	alice := createTestUser(t, client, "alice", "password1")
	bob := createTestUser(t, client, "bob", "password2")

	idle := dial(t, srv)
	msg, body := request(t, idle, protocol.RouteIdle, map[string]interface{}{
		"uid": alice, "password": "password1",
	})
	if msg.StatusCode != 200 {
		t.Fatalf("idle ack: got %d %s", msg.StatusCode, msg.Body)
	}
	if body["cmd"] != "idle" {
		t.Errorf("ack cmd: got %v", body["cmd"])
	}

	if msg, _ := request(t, client, protocol.RouteMsgSend, map[string]interface{}{
		"uid": bob, "password": "password2", "to": "alice", "message": "psst",
	}); msg.StatusCode != 200 {
		t.Fatalf("send: got %d", msg.StatusCode)
	}

	// The push arrives on the idle channel without any further request.
	deadline := time.Now().Add(3 * time.Second)
	for {
		push, err := protocol.ReadMessage(idle, 2*time.Second)
		if err != nil {
			t.Fatalf("read push: %v", err)
		}
		var pushBody map[string]interface{}
		if err := json.Unmarshal(push.Body, &pushBody); err != nil {
			t.Fatalf("decode push: %v", err)
		}
		msgs, _ := pushBody["msgs"].([]interface{})
		if len(msgs) > 0 {
			entry := msgs[0].(map[string]interface{})
			if entry["from"] != "bob" || entry["message"] != "psst" {
				t.Errorf("push entry: got %v", entry)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no push before deadline")
		}
	}
}

func TestIdlePing(t *testing.T) {
	srv := testServer(t)
	client := dial(t, srv)

	alice := createTestUser(t, client, "alice", "password1")

	idle := dial(t, srv)
	if msg, _ := request(t, idle, protocol.RouteIdle, map[string]interface{}{
		"uid": alice, "password": "password1",
	}); msg.StatusCode != 200 {
		t.Fatalf("idle ack: got %d", msg.StatusCode)
	}

	// With no traffic at all, an empty batch must arrive as a keep-alive.
	push, err := protocol.ReadMessage(idle, 3*time.Second)
	if err != nil {
		t.Fatalf("read ping: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(push.Body, &body); err != nil {
		t.Fatalf("decode ping: %v", err)
	}
	if msgs, ok := body["msgs"].([]interface{}); !ok || len(msgs) != 0 {
		t.Errorf("ping body: got %v", body)
	}
}

func TestIdleAuthFailure(t *testing.T) {
	srv := testServer(t)
	idle := dial(t, srv)

	msg, body := request(t, idle, protocol.RouteIdle, map[string]interface{}{
		"uid": 42, "password": "whatever",
	})
	if msg.StatusCode != 200 {
		t.Fatalf("idle ack: got %d", msg.StatusCode)
	}
	if body["cmd"] != "idle" {
		t.Errorf("ack cmd: got %v", body["cmd"])
	}

	// The first poll hits the auth wall and the error comes down the channel.
	errMsg, err := protocol.ReadMessage(idle, 2*time.Second)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if errMsg.StatusCode != 409 {
		t.Errorf("got %d, want 409", errMsg.StatusCode)
	}
}
