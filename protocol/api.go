package protocol

import "time"

// ContentTypeJSON is the only content type the API accepts and produces.
const ContentTypeJSON = "application/json"

// NowTS returns the wall clock in milliseconds, the unit of every server_ts,
// heartbit and message timestamp on the wire.
func NowTS() uint64 {
	return uint64(time.Now().UnixMilli())
}

// API status codes carried in the "status" field of every reply body.
const (
	StatusNone       = 0
	StatusBadRequest = 1
	StatusInternal   = 2
	StatusNotFound   = 3
	StatusConstraint = 4
)

// Routes.
const (
	RouteUserCreate  = "/v1/user/create"
	RouteUserLogin   = "/v1/user/login"
	RouteUserHistory = "/v1/user/history"
	RouteUserStatus  = "/v1/user/status"
	RouteMsgSend     = "/v1/message/send"
	RouteMsgSendChat = "/v1/message/sendchat"
	RouteChatCreate  = "/v1/chat/create"
	RouteChatAddUser = "/v1/chat/adduser"
	RouteIdle        = "/v1/idle"
)

// UserBody answers create, login and status requests.
type UserBody struct {
	ID       uint64 `json:"id"`
	ChatID   uint64 `json:"chatid"`
	Heartbit uint64 `json:"heartbit"`
	Name     string `json:"name"`
	ServerTS uint64 `json:"server_ts"`
}

// ChatBody answers chat create requests.
type ChatBody struct {
	ChatID   uint64 `json:"chatid"`
	Name     string `json:"name"`
	ServerTS uint64 `json:"server_ts"`
}

// ChatMessage is one entry of a history or idle batch, with user ids already
// translated to names.
type ChatMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
	TS      uint64 `json:"ts"`
}

// MsgsBody answers history requests and carries idle pushes. An empty Msgs
// slice on an idle connection is a keep-alive ping.
type MsgsBody struct {
	ServerTS uint64        `json:"server_ts"`
	Msgs     []ChatMessage `json:"msgs"`
}

// StatusBody is the bare success reply.
type StatusBody struct {
	Status int `json:"status"`
}

// ErrorBody is every failure reply.
type ErrorBody struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

// AckBody is the immediate acknowledgement on the idle channel, echoing the
// command before any pushes arrive.
type AckBody struct {
	Cmd      string `json:"cmd"`
	ServerTS uint64 `json:"server_ts"`
}
