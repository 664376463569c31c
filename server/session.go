package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"ochat/protocol"
	"ochat/queue"
	"ochat/transport"
)

var passCharset = regexp.MustCompile(`^[a-zA-Z0-9_]*$`)

// session runs the request loop of one connection. A connection that issues
// an idle request switches into push mode and never returns to the loop.
type session struct {
	srv  *Server
	conn *transport.Conn
	id   string

	writeMu sync.Mutex
}

func newSession(srv *Server, conn *transport.Conn) *session {
	return &session{
		srv:  srv,
		conn: conn,
		id:   newSessionID(conn.LocalAddr()),
	}
}

// newSessionID derives a short log-friendly id from the local address, the
// clock and a random value, with randomized casing and two random tail
// characters to keep concurrent sessions distinguishable.
func newSessionID(localAddr string) string {
	seed := fmt.Sprintf("%s|%d|%d", localAddr, time.Now().UnixNano(), rand.Int63())
	sum := crc32.ChecksumIEEE([]byte(seed))

	hexStr := strconv.FormatUint(uint64(sum), 16)
	buf := make([]byte, 0, len(hexStr)+2)
	for i := 0; i < len(hexStr); i++ {
		c := hexStr[i]
		if c >= 'a' && c <= 'f' && rand.Intn(2) == 0 {
			c -= 'a' - 'A'
		}
		buf = append(buf, c)
	}

	const tail = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf = append(buf, tail[rand.Intn(len(tail))], tail[rand.Intn(len(tail))])
	return string(buf)
}

func (s *session) run(ctx context.Context) {
	log.Printf("[%s] session started: %s", s.id, s.conn.RemoteAddr())
	defer log.Printf("[%s] session closed", s.id)

	readTimeout := time.Duration(s.srv.cfg.ReadTimeout) * time.Second
	for {
		msg, err := protocol.ReadMessage(s.conn, readTimeout)
		if err != nil {
			s.logReadError(err)
			return
		}

		if !s.handleRequest(ctx, msg) {
			return
		}
	}
}

func (s *session) logReadError(err error) {
	switch {
	case errors.Is(err, transport.ErrClosed), errors.Is(err, io.EOF):
	case errors.Is(err, transport.ErrCancel):
		log.Printf("[%s] session cancelled", s.id)
	case errors.Is(err, transport.ErrTimeout):
		log.Printf("[%s] read timed out", s.id)
	default:
		log.Printf("[%s] read failed: %v", s.id, err)
	}
}

// handleRequest answers one request and reports whether the connection
// should stay open. Application-level failures keep it open; only protocol
// damage and the idle path end the loop.
func (s *session) handleRequest(ctx context.Context, msg *protocol.Message) bool {
	s.srv.requests.Add(1)
	resp := &responder{sess: s, resource: msg.Resource, start: time.Now()}

	if msg.IsResponse() {
		log.Printf("[%s] got a response where a request was expected", s.id)
		return false
	}

	contentType := strings.ToLower(msg.Headers.Get("Content-Type"))
	if !strings.HasPrefix(contentType, protocol.ContentTypeJSON) &&
		!strings.HasPrefix(contentType, "text/plain") {
		resp.SendError(400, protocol.StatusBadRequest, "bad content type")
		return true
	}

	body, err := decodeBody(msg.Body)
	if err != nil {
		resp.SendError(400, protocol.StatusBadRequest, "malformed body")
		return true
	}

	task, apiErr := s.buildTask(msg.Resource, body)
	if apiErr != nil {
		resp.SendError(apiErr.httpCode, apiErr.status, apiErr.desc)
		return true
	}

	if task.Cmd == queue.CmdIdle {
		s.runIdle(ctx, task)
		return false
	}

	task.Client = resp
	s.srv.queue.Push(task)
	return true
}

type apiError struct {
	httpCode int
	status   int
	desc     string
}

func missing(field string) *apiError {
	return &apiError{400, protocol.StatusBadRequest, fmt.Sprintf("missing parameter %q", field)}
}

// decodeBody parses the JSON object of a request. UseNumber keeps uint64 ids
// intact; float64 would mangle them.
func decodeBody(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

// getString reports a usable string field; absent, non-string and empty all
// count as missing.
func getString(body map[string]interface{}, key string) (string, bool) {
	val, ok := body[key].(string)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func getUint(body map[string]interface{}, key string) (uint64, bool) {
	num, ok := body[key].(json.Number)
	if !ok {
		return 0, false
	}
	val, err := strconv.ParseUint(num.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return val, true
}

// buildTask validates the request per route and produces the worker task.
// The route is checked before any field so an unknown resource is always a
// plain 404.
func (s *session) buildTask(resource string, body map[string]interface{}) (*queue.Task, *apiError) {
	switch resource {
	case protocol.RouteUserCreate, protocol.RouteUserLogin,
		protocol.RouteUserHistory, protocol.RouteUserStatus,
		protocol.RouteMsgSend, protocol.RouteMsgSendChat,
		protocol.RouteChatCreate, protocol.RouteChatAddUser,
		protocol.RouteIdle:
	default:
		return nil, &apiError{404, protocol.StatusNotFound, "resource not found"}
	}

	password, hasPassword := getString(body, "password")
	if !hasPassword {
		return nil, missing("password")
	}

	switch resource {
	case protocol.RouteUserCreate, protocol.RouteUserLogin:
		user, ok := getString(body, "user")
		if !ok {
			return nil, missing("user")
		}

		task := &queue.Task{Cmd: queue.CmdUserLogin, User: user, Password: password}
		if resource == protocol.RouteUserCreate {
			if len(password) < s.srv.cfg.PassMinLen || !passCharset.MatchString(password) {
				return nil, &apiError{400, protocol.StatusBadRequest, "password is too weak"}
			}
			task.Cmd = queue.CmdUserCreate
			task.Storage = s.srv.cfg.DBBackend
		}
		return task, nil
	}

	// Everything below is authenticated by uid.
	uid, ok := getUint(body, "uid")
	if !ok {
		return nil, missing("uid")
	}
	task := &queue.Task{UID: uid, Password: password}

	switch resource {
	case protocol.RouteUserHistory, protocol.RouteUserStatus:
		user, ok := getString(body, "user")
		if !ok {
			return nil, missing("user")
		}
		task.User = user
		task.Count, _ = getUint(body, "count")
		if resource == protocol.RouteUserHistory {
			task.Cmd = queue.CmdUserHistory
		} else {
			task.Cmd = queue.CmdUserStatus
		}

	case protocol.RouteMsgSend:
		message, ok := getString(body, "message")
		if !ok {
			return nil, missing("message")
		}
		to, ok := getString(body, "to")
		if !ok {
			return nil, missing("to")
		}
		task.Cmd = queue.CmdMsgSend
		task.Message = message
		task.To = to

	case protocol.RouteMsgSendChat:
		message, ok := getString(body, "message")
		if !ok {
			return nil, missing("message")
		}
		chatname, ok := getString(body, "chatname")
		if !ok {
			return nil, missing("chatname")
		}
		task.Cmd = queue.CmdMsgSendChat
		task.Message = message
		task.Chatname = chatname

	case protocol.RouteChatCreate:
		chatname, ok := getString(body, "chatname")
		if !ok {
			return nil, missing("chatname")
		}
		task.Cmd = queue.CmdChatCreate
		task.Chatname = chatname

	case protocol.RouteChatAddUser:
		chatname, ok := getString(body, "chatname")
		if !ok {
			return nil, missing("chatname")
		}
		addUser, ok := getString(body, "adduser")
		if !ok {
			return nil, missing("adduser")
		}
		task.Cmd = queue.CmdChatAddUser
		task.Chatname = chatname
		task.AddUser = addUser

	case protocol.RouteIdle:
		task.Cmd = queue.CmdIdle
		// A malformed heartbit is ignored, not rejected.
		task.TS, _ = getUint(body, "heartbit")
	}

	return task, nil
}

func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(data)
	return err
}

// responder answers exactly one request. The worker pool calls it from a
// worker goroutine; writes are serialized through the session.
type responder struct {
	sess     *session
	resource string
	start    time.Time

	// idle is set when this responder feeds the push channel.
	idle *idleState
}

func (r *responder) log(httpCode int) {
	log.Printf("[%s] %s %d (%s)", r.sess.id, r.resource, httpCode, time.Since(r.start).Round(time.Microsecond))
}

func (r *responder) send(httpCode int, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	r.log(httpCode)
	return r.sess.write(protocol.BuildResponse(httpCode, protocol.ContentTypeJSON, data))
}

func (r *responder) SendOK() {
	r.send(200, protocol.StatusBody{Status: protocol.StatusNone})
}

func (r *responder) SendError(httpCode int, status int, desc string) {
	r.sess.srv.errors.Add(1)
	r.send(httpCode, protocol.ErrorBody{Status: status, Error: desc})
	if r.idle != nil {
		r.idle.fail()
	}
}

func (r *responder) SendUser(body protocol.UserBody) {
	r.send(200, body)
}

func (r *responder) SendChat(body protocol.ChatBody) {
	r.send(200, body)
}

func (r *responder) SendMessages(msgs []protocol.ChatMessage) {
	if msgs == nil {
		msgs = []protocol.ChatMessage{}
	}
	r.send(200, protocol.MsgsBody{ServerTS: protocol.NowTS(), Msgs: msgs})
}

func (r *responder) SendMessagesToIdle(msgs []protocol.ChatMessage) bool {
	if msgs == nil {
		msgs = []protocol.ChatMessage{}
	}
	err := r.send(200, protocol.MsgsBody{ServerTS: protocol.NowTS(), Msgs: msgs})
	if err != nil {
		r.idle.fail()
		return false
	}
	r.idle.pushed(msgs)
	return true
}

// idleState is shared between the ticking session goroutine and the worker
// answering its tasks.
type idleState struct {
	mu        sync.Mutex
	watermark uint64
	lastPush  time.Time
	failed    bool
}

func (st *idleState) fail() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failed = true
}

// pushed advances the watermark past everything delivered and resets the
// ping timer.
func (st *idleState) pushed(msgs []protocol.ChatMessage) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, m := range msgs {
		if m.TS > st.watermark {
			st.watermark = m.TS
		}
	}
	st.lastPush = time.Now()
}

func (st *idleState) snapshot() (watermark uint64, lastPush time.Time, failed bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.watermark, st.lastPush, st.failed
}

// runIdle acknowledges the request and turns the connection into a push
// channel: poll the store on a timer, push fresh messages, ping when quiet.
// It returns only when the channel is broken or the server shuts down.
func (s *session) runIdle(ctx context.Context, task *queue.Task) {
	log.Printf("[%s] idle channel open, uid %d", s.id, task.UID)

	ack, err := json.Marshal(protocol.AckBody{Cmd: "idle", ServerTS: protocol.NowTS()})
	if err != nil {
		return
	}
	if err := s.write(protocol.BuildResponse(200, protocol.ContentTypeJSON, ack)); err != nil {
		return
	}

	st := &idleState{watermark: task.TS, lastPush: time.Now()}
	pingEvery := time.Duration(s.srv.cfg.IdlePingSec) * time.Second

	ticker := time.NewTicker(time.Duration(s.srv.cfg.IdlePollMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		watermark, lastPush, failed := st.snapshot()
		if failed || !s.conn.IsOpen() {
			return
		}

		s.srv.queue.Push(&queue.Task{
			Cmd:      queue.CmdIdle,
			UID:      task.UID,
			Password: task.Password,
			TS:       watermark,
			Ping:     time.Since(lastPush) > pingEvery,
			Client:   &responder{sess: s, resource: protocol.RouteIdle, start: time.Now(), idle: st},
		})
	}
}
