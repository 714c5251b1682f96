package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xcopilot/xcopilot/internal/common/logger"
	"github.com/xcopilot/xcopilot/internal/proxy/toolcache"
	"github.com/xcopilot/xcopilot/pkg/anthropic"
)

// Manager is the process-wide conversation registry. A conversation stays
// registered exactly until its session-end callback fires.
type Manager struct {
	log *logger.Logger

	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewManager returns an empty registry.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		log:           log,
		conversations: make(map[string]*Conversation),
	}
}

// Create mints a conversation with a fresh state and tool cache and registers
// it. The state's session-end callback removes the conversation again.
func (m *Manager) Create() *Conversation {
	id := uuid.New().String()
	conv := &Conversation{
		ID:        id,
		CreatedAt: time.Now(),
		State:     NewState(m.log.WithConversationID(id)),
		Tools:     toolcache.New(),
	}
	conv.State.OnSessionEnd(func() {
		m.Remove(id)
	})

	m.mu.Lock()
	m.conversations[id] = conv
	m.mu.Unlock()

	m.log.Debug("conversation created", zap.String("conversation_id", id))
	return conv
}

// Get looks a conversation up by id.
func (m *Manager) Get(id string) (*Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	return conv, ok
}

// Remove unregisters the conversation, tears its state down, and destroys
// the attached session if one exists.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	conv, ok := m.conversations[id]
	if ok {
		delete(m.conversations, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	conv.State.Cleanup()
	if sess := conv.Session(); sess != nil {
		go func() {
			if err := sess.Destroy(); err != nil {
				m.log.Debug("session destroy failed",
					zap.String("conversation_id", id), zap.Error(err))
			}
		}()
	}
	m.log.Debug("conversation removed", zap.String("conversation_id", id))
}

// Count reports how many conversations are registered.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// Latest returns the most recently created conversation, or nil. The global
// bridge endpoints use it when no conversation id rides the path.
func (m *Manager) Latest() *Conversation {
	snapshot := m.ordered()
	if len(snapshot) == 0 {
		return nil
	}
	return snapshot[len(snapshot)-1]
}

// All returns the registered conversations, oldest first.
func (m *Manager) All() []*Conversation {
	return m.ordered()
}

// FindByContinuation decides whether an incoming message list continues an
// existing conversation. The last message must be a user message with block
// content; its tool_result ids are matched against every state, oldest
// conversation first. When no id matches, a conversation with a live session
// wins (the model retried internally and minted fresh ids).
func (m *Manager) FindByContinuation(messages []anthropic.Message) *Conversation {
	if len(messages) == 0 {
		return nil
	}
	last := messages[len(messages)-1]
	if last.Role != anthropic.RoleUser {
		return nil
	}
	if last.Content.IsText() {
		return nil
	}

	snapshot := m.ordered()
	for _, block := range last.ToolResults() {
		for _, conv := range snapshot {
			if conv.State.HasToolCall(block.ToolUseID) {
				return conv
			}
		}
	}
	for _, conv := range snapshot {
		if conv.State.SessionActive() {
			return conv
		}
	}
	return nil
}

// FindByExpectedTool returns the first conversation whose expected queue for
// name is non-empty. Bridge calls without a conversation id route through it.
func (m *Manager) FindByExpectedTool(name string) *Conversation {
	for _, conv := range m.ordered() {
		if conv.State.HasExpectedTool(name) {
			return conv
		}
	}
	return nil
}

// RemoveAll tears down every conversation; used on shutdown.
func (m *Manager) RemoveAll() {
	for _, conv := range m.ordered() {
		m.Remove(conv.ID)
	}
}

func (m *Manager) ordered() []*Conversation {
	m.mu.RLock()
	snapshot := make([]*Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		snapshot = append(snapshot, conv)
	}
	m.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].ID < snapshot[j].ID
		}
		return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
	})
	return snapshot
}
