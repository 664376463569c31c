// Package queue holds the task queue between sessions and the database
// workers, and the workers themselves. Sessions never touch the store
// directly: they enqueue a task with a Responder, and exactly one worker
// executes it against its own store connection.
package queue

import (
	"sync"

	"ochat/protocol"
)

// Commands a task can carry. They mirror the API routes one to one.
const (
	CmdUserCreate  = "user/create"
	CmdUserLogin   = "user/login"
	CmdUserHistory = "user/history"
	CmdUserStatus  = "user/status"
	CmdMsgSend     = "message/send"
	CmdMsgSendChat = "message/sendchat"
	CmdChatCreate  = "chat/create"
	CmdChatAddUser = "chat/adduser"
	CmdIdle        = "idle"
)

// Responder is the session side of a task: the worker calls exactly one of
// the Send methods per task. Implementations serialize their own writes.
type Responder interface {
	SendOK()
	SendError(httpCode int, status int, desc string)
	SendUser(body protocol.UserBody)
	SendChat(body protocol.ChatBody)
	SendMessages(msgs []protocol.ChatMessage)

	// SendMessagesToIdle pushes a batch (possibly empty, as a ping) on the
	// notification channel and reports whether the write went through, so
	// the session can advance its watermark.
	SendMessagesToIdle(msgs []protocol.ChatMessage) bool
}

// Task is one unit of work. UID and Password authenticate the caller on
// every command except create and login, which carry User and Password
// instead.
type Task struct {
	Cmd string

	UID      uint64
	User     string
	Password string

	Message  string
	To       string
	Chatname string
	AddUser  string

	// TS is the idle watermark: only messages newer than it are pushed.
	TS    uint64
	Count uint64

	// Ping forces an empty push even when no messages arrived.
	Ping bool

	// Storage selects the backing store for user creation. A single fixed
	// value today; multi-shard selection would key off it.
	Storage string

	Client Responder
}

// Queue is a FIFO of tasks shared by all sessions and workers.
type Queue struct {
	mu    sync.Mutex
	tasks []*Task
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
}

// TryPop returns the oldest task or nil. It never blocks; idle workers poll.
func (q *Queue) TryPop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
