package store

import (
	"sync"

	"ochat/models"
)

// Memory keeps all tables in slices behind a single mutex. It is the
// reference backend: good enough for tests and single-process deployments.
type Memory struct {
	mu sync.Mutex

	userAutoincrement uint64
	chatAutoincrement uint64

	users    []models.User
	chats    []models.Chat
	chatuser []models.ChatUser
	messages []models.Message
}

func NewMemory() *Memory {
	return &Memory{
		userAutoincrement: 1,
		chatAutoincrement: 1,
	}
}

// Conn returns the store itself: every "connection" shares the same tables
// and the same mutex.
func (m *Memory) Conn() Conn { return m }

func (m *Memory) Close() error { return nil }

func (m *Memory) UpdateHeartbit(uid uint64, ts uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.users {
		if m.users[i].ID == uid {
			m.users[i].Heartbit = ts
			return nil
		}
	}
	return nil
}

func (m *Memory) CreateUser(name, passHash string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, user := range m.users {
		if user.Name == name {
			return models.User{}, ErrExists
		}
	}

	chatID := m.chatAutoincrement
	m.chatAutoincrement++
	userID := m.userAutoincrement
	m.userAutoincrement++

	m.chats = append(m.chats, models.Chat{ID: chatID, Name: name})

	user := models.User{
		ID:       userID,
		ChatID:   chatID,
		Name:     name,
		Password: passHash,
	}
	m.users = append(m.users, user)
	m.chatuser = append(m.chatuser, models.ChatUser{ChatID: chatID, UserID: userID})

	return user, nil
}

func (m *Memory) CreateChat(name string, uid uint64) (models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, chat := range m.chats {
		if chat.Name == name {
			return models.Chat{}, ErrExists
		}
	}

	chatID := m.chatAutoincrement
	m.chatAutoincrement++

	chat := models.Chat{ID: chatID, Name: name}
	m.chats = append(m.chats, chat)

	if uid > 0 {
		m.chatuser = append(m.chatuser, models.ChatUser{ChatID: chatID, UserID: uid})
	}

	return chat, nil
}

func (m *Memory) UserByName(name string) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ret []models.User
	for _, user := range m.users {
		if user.Name == name {
			ret = append(ret, user)
		}
	}
	return ret, nil
}

func (m *Memory) UserByID(id uint64) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, user := range m.users {
		if user.ID == id {
			return user, nil
		}
	}
	return models.User{}, ErrNoRows
}

func (m *Memory) ChatsForUser(uid uint64) ([]models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ret []models.Chat
	for _, cu := range m.chatuser {
		if cu.UserID != uid {
			continue
		}
		for _, chat := range m.chats {
			if chat.ID == cu.ChatID {
				ret = append(ret, chat)
				break
			}
		}
	}
	return ret, nil
}

func (m *Memory) ChatByName(name string) ([]models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ret []models.Chat
	for _, chat := range m.chats {
		if chat.Name == name {
			ret = append(ret, chat)
		}
	}
	return ret, nil
}

func (m *Memory) ChatByID(id uint64) (models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, chat := range m.chats {
		if chat.ID == id {
			return chat, nil
		}
	}
	return models.Chat{}, ErrNoRows
}

func (m *Memory) UsersForChat(chatID uint64) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ret []models.User
	for _, cu := range m.chatuser {
		if cu.ChatID != chatID {
			continue
		}
		for _, user := range m.users {
			if user.ID == cu.UserID {
				ret = append(ret, user)
				break
			}
		}
	}
	return ret, nil
}

func (m *Memory) AddUserToChat(chatID, uid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cu := range m.chatuser {
		if cu.ChatID == chatID && cu.UserID == uid {
			return nil
		}
	}

	m.chatuser = append(m.chatuser, models.ChatUser{ChatID: chatID, UserID: uid})
	return nil
}

func (m *Memory) SaveMessage(msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, msg)
	return nil
}

func (m *Memory) ChatMessages(chatID uint64, opt QueryOpt) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Walk from the newest message backwards.
	var ret []models.Message
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].ChatTo == chatID && m.messages[i].TS > opt.TS {
			ret = append(ret, m.messages[i])
			m.messages[i].Flags = models.MsgRead
		}
		if opt.MaxCount > 0 && uint64(len(ret)) >= opt.MaxCount {
			break
		}
	}
	return ret, nil
}

func (m *Memory) MessagesFromTo(userFrom, chatTo uint64, opt QueryOpt) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ret []models.Message
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].UserFrom == userFrom && m.messages[i].ChatTo == chatTo {
			ret = append(ret, m.messages[i])
		}
		if opt.MaxCount > 0 && uint64(len(ret)) >= opt.MaxCount {
			break
		}
	}
	return ret, nil
}
