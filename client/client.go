package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"ochat/client/input"
	"ochat/client/ui"
	"ochat/protocol"
	"ochat/transport"
)

const (
	dialTimeout  = 10 * time.Second
	callTimeout  = 30 * time.Second
	pushTimeout  = 30 * time.Second
	maxBackoff   = 30 * time.Second
	onlineWindow = 5000 // ms between now and heartbit to count as online
)

// Client drives two connections: one request/response connection for
// commands and one idle connection the server pushes messages down.
type Client struct {
	host     string
	port     int
	insecure bool
	useTLS   bool

	app *ui.App

	// callMu serializes whole request/response cycles on the command
	// connection; input lines are handled on separate goroutines.
	callMu sync.Mutex

	mu        sync.Mutex
	conn      *transport.Conn
	idleConn  *transport.Conn
	uid       uint64
	user      string
	password  string
	chatWith  string
	watermark uint64
	idleGen   int
	quitting  bool
}

func NewClient(host string, port int, useTLS, insecure bool, app *ui.App) *Client {
	return &Client{host: host, port: port, useTLS: useTLS, insecure: insecure, app: app}
}

func (c *Client) tlsConfig() *tls.Config {
	if !c.useTLS {
		return nil
	}
	return &tls.Config{ServerName: c.host, InsecureSkipVerify: c.insecure}
}

// Connect establishes the command connection.
func (c *Client) Connect() error {
	conn, err := transport.Dial(c.host, c.port, dialTimeout, c.tlsConfig())
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quitting = true
	if c.conn != nil {
		c.conn.Close()
	}
	if c.idleConn != nil {
		c.idleConn.Close()
	}
}

// call sends one request on the command connection and decodes the reply.
func (c *Client) call(resource string, body interface{}) (*protocol.Message, map[string]interface{}, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, nil, transport.ErrClosed
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}
	if _, err := conn.Write(protocol.BuildRequest(resource, protocol.ContentTypeJSON, data)); err != nil {
		return nil, nil, err
	}

	msg, err := protocol.ReadMessage(conn, callTimeout)
	if err != nil {
		return nil, nil, err
	}

	var decoded map[string]interface{}
	if len(msg.Body) > 0 {
		if err := json.Unmarshal(msg.Body, &decoded); err != nil {
			return nil, nil, err
		}
	}
	return msg, decoded, nil
}

func errorDesc(body map[string]interface{}) string {
	if desc, ok := body["error"].(string); ok {
		return desc
	}
	return "unknown error"
}

// HandleLine processes one line of user input. In chat mode plain lines are
// sent as direct messages; only UNCHAT and QUIT keep their meaning.
func (c *Client) HandleLine(line string) {
	c.mu.Lock()
	chatWith := c.chatWith
	c.mu.Unlock()

	if chatWith != "" {
		keyword := strings.ToUpper(strings.TrimSpace(line))
		switch keyword {
		case "UNCHAT":
			c.mu.Lock()
			c.chatWith = ""
			c.mu.Unlock()
			c.app.Print("left chat with %s", chatWith)
			return
		case "QUIT":
			c.quit()
			return
		case "":
			return
		}
		c.sendDirect(chatWith, line)
		return
	}

	cmd, err := input.Parse(line)
	if err != nil {
		c.app.Print("%v", err)
		return
	}

	switch cmd.Kind {
	case input.KindHelp:
		c.app.Print("%s", input.HelpText())
	case input.KindQuit:
		c.quit()
	case input.KindUnchat:
		c.app.Print("not in a chat")
	case input.KindLogin:
		c.login(protocol.RouteUserLogin, cmd.User, cmd.Password)
	case input.KindRegister:
		c.login(protocol.RouteUserCreate, cmd.User, cmd.Password)
	case input.KindRegisterChat:
		c.createChat(cmd.Chat)
	case input.KindChatWith:
		c.mu.Lock()
		c.chatWith = cmd.User
		c.mu.Unlock()
		c.app.Print("chatting with %s, type UNCHAT to leave", cmd.User)
	case input.KindAddToChat:
		c.addToChat(cmd.Chat, cmd.User)
	case input.KindHistory:
		c.history(cmd.User, cmd.Count)
	case input.KindDirectMsg:
		c.sendDirect(cmd.User, cmd.Message)
	case input.KindDirectMsgChat:
		c.sendChat(cmd.Chat, cmd.Message)
	case input.KindStatus:
		c.status(cmd.User)
	case input.KindHistoryChat, input.KindStatusChat:
		c.app.Print("unsupported command")
	}
}

func (c *Client) quit() {
	c.Close()
	c.app.Stop()
}

// auth returns the credential fields every authenticated request carries.
func (c *Client) auth() (map[string]interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid == 0 {
		return nil, false
	}
	return map[string]interface{}{"uid": c.uid, "password": c.password}, true
}

func (c *Client) login(resource, user, password string) {
	msg, body, err := c.call(resource, map[string]string{"user": user, "password": password})
	if err != nil {
		c.app.Print("request failed: %v", err)
		return
	}
	if msg.StatusCode != 200 {
		c.app.Print("error: %s", errorDesc(body))
		return
	}

	uid := uint64(body["id"].(float64))

	c.mu.Lock()
	c.uid = uid
	c.user = user
	c.password = password
	c.idleGen++
	gen := c.idleGen
	c.mu.Unlock()

	c.app.Print("logged in as %s (uid %d)", user, uid)
	go c.idleLoop(gen)
}

func (c *Client) createChat(chat string) {
	creds, ok := c.auth()
	if !ok {
		c.app.Print("not logged in")
		return
	}
	creds["chatname"] = chat

	msg, body, err := c.call(protocol.RouteChatCreate, creds)
	if err != nil {
		c.app.Print("request failed: %v", err)
		return
	}
	if msg.StatusCode != 200 {
		c.app.Print("error: %s", errorDesc(body))
		return
	}
	c.app.Print("chat %s created", chat)
}

func (c *Client) addToChat(chat, user string) {
	creds, ok := c.auth()
	if !ok {
		c.app.Print("not logged in")
		return
	}
	creds["chatname"] = chat
	creds["adduser"] = user

	msg, body, err := c.call(protocol.RouteChatAddUser, creds)
	if err != nil {
		c.app.Print("request failed: %v", err)
		return
	}
	if msg.StatusCode != 200 {
		c.app.Print("error: %s", errorDesc(body))
		return
	}
	c.app.Print("%s added to %s", user, chat)
}

func (c *Client) sendDirect(to, text string) {
	creds, ok := c.auth()
	if !ok {
		c.app.Print("not logged in")
		return
	}
	creds["to"] = to
	creds["message"] = text

	msg, body, err := c.call(protocol.RouteMsgSend, creds)
	if err != nil {
		c.app.Print("request failed: %v", err)
		return
	}
	if msg.StatusCode != 200 {
		c.app.Print("error: %s", errorDesc(body))
		return
	}
	c.app.Print("-> %s: %s", to, text)
}

func (c *Client) sendChat(chat, text string) {
	creds, ok := c.auth()
	if !ok {
		c.app.Print("not logged in")
		return
	}
	creds["chatname"] = chat
	creds["message"] = text

	msg, body, err := c.call(protocol.RouteMsgSendChat, creds)
	if err != nil {
		c.app.Print("request failed: %v", err)
		return
	}
	if msg.StatusCode != 200 {
		c.app.Print("error: %s", errorDesc(body))
		return
	}
	c.app.Print("-> [%s]: %s", chat, text)
}

const defaultHistoryCount = 10

// history prints a conversation oldest first so it reads top to bottom.
func (c *Client) history(user string, count uint64) {
	creds, ok := c.auth()
	if !ok {
		c.app.Print("not logged in")
		return
	}
	if count == 0 {
		count = defaultHistoryCount
	}
	creds["user"] = user
	creds["count"] = count

	msg, body, err := c.call(protocol.RouteUserHistory, creds)
	if err != nil {
		c.app.Print("request failed: %v", err)
		return
	}
	if msg.StatusCode != 200 {
		c.app.Print("error: %s", errorDesc(body))
		return
	}

	msgs, _ := body["msgs"].([]interface{})
	if len(msgs) == 0 {
		c.app.Print("no history with %s", user)
		return
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		entry, ok := msgs[i].(map[string]interface{})
		if !ok {
			continue
		}
		ts := time.UnixMilli(int64(entry["ts"].(float64)))
		c.app.Print("%s %s: %s", ts.Format("15:04:05"), entry["from"], entry["message"])
	}
}

func (c *Client) status(user string) {
	creds, ok := c.auth()
	if !ok {
		c.app.Print("not logged in")
		return
	}
	creds["user"] = user

	msg, body, err := c.call(protocol.RouteUserStatus, creds)
	if err != nil {
		c.app.Print("request failed: %v", err)
		return
	}
	if msg.StatusCode != 200 {
		c.app.Print("error: %s", errorDesc(body))
		return
	}

	heartbit, _ := body["heartbit"].(float64)
	serverTS, _ := body["server_ts"].(float64)
	if serverTS-heartbit < onlineWindow {
		c.app.Print("%s is online", user)
	} else {
		c.app.Print("%s is offline", user)
	}
}

// idleLoop opens the push connection and prints whatever the server sends.
// Any failure tears both connections down and retries with growing backoff.
func (c *Client) idleLoop(gen int) {
	backoff := time.Second
	for {
		c.mu.Lock()
		stale := c.quitting || gen != c.idleGen
		c.mu.Unlock()
		if stale {
			return
		}

		err := c.listenIdle(gen)
		if err == nil {
			return
		}

		c.mu.Lock()
		stale = c.quitting || gen != c.idleGen
		c.mu.Unlock()
		if stale {
			return
		}

		c.app.Print("connection is broken, please relogin")
		if err := c.reconnect(gen); err != nil {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

// listenIdle runs one idle session: request, ack, then pushes until the
// connection dies.
func (c *Client) listenIdle(gen int) error {
	c.mu.Lock()
	uid, password, watermark := c.uid, c.password, c.watermark
	c.mu.Unlock()

	conn, err := transport.Dial(c.host, c.port, dialTimeout, c.tlsConfig())
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.idleConn != nil {
		c.idleConn.Close()
	}
	c.idleConn = conn
	c.mu.Unlock()

	req := map[string]interface{}{"uid": uid, "password": password, "heartbit": watermark}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(protocol.BuildRequest(protocol.RouteIdle, protocol.ContentTypeJSON, data)); err != nil {
		return err
	}

	// The first response is a bare acknowledgement.
	ack, err := protocol.ReadMessage(conn, callTimeout)
	if err != nil {
		return err
	}
	if ack.StatusCode != 200 {
		return fmt.Errorf("idle rejected: %d", ack.StatusCode)
	}

	for {
		c.mu.Lock()
		stale := c.quitting || gen != c.idleGen
		c.mu.Unlock()
		if stale {
			conn.Close()
			return nil
		}

		msg, err := protocol.ReadMessage(conn, pushTimeout)
		if err != nil {
			conn.Close()
			return err
		}
		if msg.StatusCode != 200 {
			conn.Close()
			return fmt.Errorf("idle error: %d", msg.StatusCode)
		}

		var push protocol.MsgsBody
		if err := json.Unmarshal(msg.Body, &push); err != nil {
			conn.Close()
			return err
		}

		c.mu.Lock()
		me := c.user
		for _, m := range push.Msgs {
			if m.TS > c.watermark {
				c.watermark = m.TS
			}
		}
		c.mu.Unlock()

		for _, m := range push.Msgs {
			if m.From == me {
				continue
			}
			ts := time.UnixMilli(int64(m.TS))
			c.app.Print("%s %s: %s", ts.Format("15:04:05"), m.From, m.Message)
		}
	}
}

// reconnect rebuilds the command connection and logs back in with the saved
// credentials.
func (c *Client) reconnect(gen int) error {
	c.mu.Lock()
	user, password := c.user, c.password
	c.mu.Unlock()

	if err := c.Connect(); err != nil {
		return err
	}

	msg, body, err := c.call(protocol.RouteUserLogin, map[string]string{"user": user, "password": password})
	if err != nil {
		return err
	}
	if msg.StatusCode != 200 {
		return fmt.Errorf("relogin failed: %s", errorDesc(body))
	}

	c.mu.Lock()
	if gen == c.idleGen {
		c.uid = uint64(body["id"].(float64))
	}
	c.mu.Unlock()

	c.app.Print("reconnected as %s", user)
	return nil
}
