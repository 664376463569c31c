package queue

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ochat/models"
	"ochat/protocol"
	"ochat/store"
)

// Pool runs the database workers. Each worker holds its own store connection
// and pulls tasks until the context is cancelled.
type Pool struct {
	store store.Store
	queue *Queue
	size  int
	poll  time.Duration
}

func NewPool(st store.Store, q *Queue, size int, poll time.Duration) *Pool {
	return &Pool{store: st, queue: q, size: size, poll: poll}
}

// Run starts the workers and blocks until the context is cancelled and every
// worker has drained out.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < p.size; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			w := &worker{id: id, conn: p.store.Conn()}
			w.run(ctx, p.queue, p.poll)
		}(i)
	}
	for i := 0; i < p.size; i++ {
		<-done
	}
}

type worker struct {
	id   int
	conn store.Conn
}

func (w *worker) run(ctx context.Context, q *Queue, poll time.Duration) {
	for {
		task := q.TryPop()
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
			continue
		}
		w.execute(task)
	}
}

func (w *worker) execute(task *Task) {
	switch task.Cmd {
	case CmdUserCreate:
		w.userCreate(task)
	case CmdUserLogin:
		w.userLogin(task)
	case CmdUserHistory:
		w.userHistory(task)
	case CmdUserStatus:
		w.userStatus(task)
	case CmdMsgSend:
		w.messageSend(task)
	case CmdMsgSendChat:
		w.messageSendChat(task)
	case CmdChatCreate:
		w.chatCreate(task)
	case CmdChatAddUser:
		w.chatAddUser(task)
	case CmdIdle:
		w.idle(task)
	default:
		log.Printf("worker %d: unknown command %q", w.id, task.Cmd)
		task.Client.SendError(500, protocol.StatusInternal, "unknown command")
	}
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// authenticate resolves the caller by uid and verifies the password. It
// answers the client itself on failure and returns ok=false.
func (w *worker) authenticate(task *Task) (models.User, bool) {
	user, err := w.conn.UserByID(task.UID)
	if errors.Is(err, store.ErrNoRows) {
		task.Client.SendError(409, protocol.StatusConstraint, "user does not exist")
		return models.User{}, false
	}
	if err != nil {
		task.Client.SendError(500, protocol.StatusInternal, "storage error")
		return models.User{}, false
	}
	if !checkPassword(user.Password, task.Password) {
		task.Client.SendError(403, protocol.StatusConstraint, "wrong password")
		return models.User{}, false
	}
	return user, true
}

// userByName resolves a single user by name, answering the client on
// failure. More than one match means the store lost its uniqueness
// invariant and is reported as an internal error.
func (w *worker) userByName(task *Task, name string) (models.User, bool) {
	users, err := w.conn.UserByName(name)
	if err != nil {
		task.Client.SendError(500, protocol.StatusInternal, "storage error")
		return models.User{}, false
	}
	if len(users) == 0 {
		task.Client.SendError(404, protocol.StatusNotFound, "user does not exist")
		return models.User{}, false
	}
	if len(users) > 1 {
		task.Client.SendError(500, protocol.StatusInternal, "more than one user with that name")
		return models.User{}, false
	}
	return users[0], true
}

func (w *worker) chatByName(task *Task, name string) (models.Chat, bool) {
	chats, err := w.conn.ChatByName(name)
	if err != nil {
		task.Client.SendError(500, protocol.StatusInternal, "storage error")
		return models.Chat{}, false
	}
	if len(chats) == 0 {
		task.Client.SendError(404, protocol.StatusNotFound, "chat does not exist")
		return models.Chat{}, false
	}
	if len(chats) > 1 {
		task.Client.SendError(500, protocol.StatusInternal, "more than one chat with that name")
		return models.Chat{}, false
	}
	return chats[0], true
}

func (w *worker) userCreate(task *Task) {
	hash, err := hashPassword(task.Password)
	if err != nil {
		task.Client.SendError(500, protocol.StatusInternal, "password hashing failed")
		return
	}

	user, err := w.conn.CreateUser(task.User, hash)
	if errors.Is(err, store.ErrExists) {
		task.Client.SendError(409, protocol.StatusConstraint, "user already exists")
		return
	}
	if err != nil {
		task.Client.SendError(500, protocol.StatusInternal, "storage error")
		return
	}

	task.Client.SendUser(protocol.UserBody{
		ID:       user.ID,
		ChatID:   user.ChatID,
		Heartbit: user.Heartbit,
		Name:     user.Name,
		ServerTS: protocol.NowTS(),
	})
}

func (w *worker) userLogin(task *Task) {
	user, ok := w.userByName(task, task.User)
	if !ok {
		return
	}
	if !checkPassword(user.Password, task.Password) {
		task.Client.SendError(403, protocol.StatusConstraint, "wrong password")
		return
	}

	task.Client.SendUser(protocol.UserBody{
		ID:       user.ID,
		ChatID:   user.ChatID,
		Heartbit: user.Heartbit,
		Name:     user.Name,
		ServerTS: protocol.NowTS(),
	})
}

// userHistory merges the two directions of a direct conversation, newest
// first, and trims to the requested count.
func (w *worker) userHistory(task *Task) {
	me, ok := w.authenticate(task)
	if !ok {
		return
	}
	peer, ok := w.userByName(task, task.User)
	if !ok {
		return
	}

	// Fetch twice the requested count from each direction so the merged
	// cut cannot starve either side.
	opt := store.QueryOpt{MaxCount: task.Count * 2}

	sent, err := w.conn.MessagesFromTo(me.ID, peer.ChatID, opt)
	if err != nil {
		task.Client.SendError(500, protocol.StatusInternal, "storage error")
		return
	}
	received, err := w.conn.MessagesFromTo(peer.ID, me.ChatID, opt)
	if err != nil {
		task.Client.SendError(500, protocol.StatusInternal, "storage error")
		return
	}

	msgs := make([]protocol.ChatMessage, 0, len(sent)+len(received))
	for _, m := range sent {
		msgs = append(msgs, protocol.ChatMessage{
			From: me.Name, To: peer.Name, Message: m.Text, TS: m.TS,
		})
	}
	for _, m := range received {
		msgs = append(msgs, protocol.ChatMessage{
			From: peer.Name, To: me.Name, Message: m.Text, TS: m.TS,
		})
	}

	sortMessagesDesc(msgs)
	// The merged set is always cut to the requested count; a count of zero
	// yields an empty batch.
	if uint64(len(msgs)) > task.Count {
		msgs = msgs[:task.Count]
	}

	task.Client.SendMessages(msgs)
}

func (w *worker) userStatus(task *Task) {
	if _, ok := w.authenticate(task); !ok {
		return
	}
	target, ok := w.userByName(task, task.User)
	if !ok {
		return
	}

	task.Client.SendUser(protocol.UserBody{
		ID:       target.ID,
		ChatID:   target.ChatID,
		Heartbit: target.Heartbit,
		Name:     target.Name,
		ServerTS: protocol.NowTS(),
	})
}

func (w *worker) messageSend(task *Task) {
	me, ok := w.authenticate(task)
	if !ok {
		return
	}
	recipient, ok := w.userByName(task, task.To)
	if !ok {
		return
	}

	msg := models.Message{
		Flags:    models.MsgUnread,
		UserFrom: me.ID,
		ChatTo:   recipient.ChatID,
		TS:       protocol.NowTS(),
		Text:     task.Message,
	}
	if err := w.conn.SaveMessage(msg); err != nil {
		task.Client.SendError(500, protocol.StatusInternal, "storage error")
		return
	}
	task.Client.SendOK()
}

func (w *worker) messageSendChat(task *Task) {
	me, ok := w.authenticate(task)
	if !ok {
		return
	}
	chat, ok := w.chatByName(task, task.Chatname)
	if !ok {
		return
	}

	msg := models.Message{
		Flags:    models.MsgUnread,
		UserFrom: me.ID,
		ChatTo:   chat.ID,
		TS:       protocol.NowTS(),
		Text:     task.Message,
	}
	if err := w.conn.SaveMessage(msg); err != nil {
		task.Client.SendError(500, protocol.StatusInternal, "storage error")
		return
	}
	task.Client.SendOK()
}

func (w *worker) chatCreate(task *Task) {
	me, ok := w.authenticate(task)
	if !ok {
		return
	}

	chat, err := w.conn.CreateChat(task.Chatname, me.ID)
	if errors.Is(err, store.ErrExists) {
		task.Client.SendError(409, protocol.StatusConstraint, "chat already exists")
		return
	}
	if err != nil {
		task.Client.SendError(500, protocol.StatusInternal, "storage error")
		return
	}

	task.Client.SendChat(protocol.ChatBody{
		ChatID:   chat.ID,
		Name:     chat.Name,
		ServerTS: protocol.NowTS(),
	})
}

func (w *worker) chatAddUser(task *Task) {
	if _, ok := w.authenticate(task); !ok {
		return
	}
	chat, ok := w.chatByName(task, task.Chatname)
	if !ok {
		return
	}
	user, ok := w.userByName(task, task.AddUser)
	if !ok {
		return
	}

	if err := w.conn.AddUserToChat(chat.ID, user.ID); err != nil {
		task.Client.SendError(500, protocol.StatusInternal, "storage error")
		return
	}

	task.Client.SendOK()
}

// idle refreshes the caller's heartbit and pushes everything newer than the
// watermark from every chat they belong to. An empty batch goes out only
// when a ping is due.
func (w *worker) idle(task *Task) {
	me, ok := w.authenticate(task)
	if !ok {
		return
	}

	if err := w.conn.UpdateHeartbit(me.ID, protocol.NowTS()); err != nil {
		task.Client.SendError(500, protocol.StatusInternal, "storage error")
		return
	}

	chats, err := w.conn.ChatsForUser(me.ID)
	if err != nil {
		task.Client.SendError(500, protocol.StatusInternal, "storage error")
		return
	}

	var msgs []protocol.ChatMessage
	for _, chat := range chats {
		fresh, err := w.conn.ChatMessages(chat.ID, store.QueryOpt{TS: task.TS})
		if err != nil {
			task.Client.SendError(500, protocol.StatusInternal, "storage error")
			return
		}
		for _, m := range fresh {
			from := ""
			if sender, err := w.conn.UserByID(m.UserFrom); err == nil {
				from = sender.Name
			}
			msgs = append(msgs, protocol.ChatMessage{
				From: from, To: chat.Name, Message: m.Text, TS: m.TS,
			})
		}
	}

	if len(msgs) == 0 && !task.Ping {
		return
	}

	sortMessagesDesc(msgs)
	task.Client.SendMessagesToIdle(msgs)
}

// sortMessagesDesc orders newest first.
func sortMessagesDesc(msgs []protocol.ChatMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].TS > msgs[j].TS
	})
}
