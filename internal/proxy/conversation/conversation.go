package conversation

import (
	"sync"
	"time"

	"github.com/xcopilot/xcopilot/internal/proxy/toolcache"
	"github.com/xcopilot/xcopilot/internal/session"
)

// Streamer is the event renderer attached to a conversation for its whole
// lifetime. Continuation requests re-attach their replies through it rather
// than creating a new one.
type Streamer interface {
	Resume(reply Reply) error
	FinishContinuation()
}

// Conversation ties one bridge state to the session serving it and the tool
// catalog Xcode registered for it.
type Conversation struct {
	ID        string
	CreatedAt time.Time
	State     *State
	Tools     *toolcache.Cache

	mu           sync.Mutex
	session      session.Session
	streamer     Streamer
	model        string
	sentMessages int
}

// SetSession attaches the live session once created.
func (c *Conversation) SetSession(s session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// Session returns the attached session, or nil before creation.
func (c *Conversation) Session() session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetStreamer attaches the event renderer created alongside the session.
func (c *Conversation) SetStreamer(s Streamer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamer = s
}

// Streamer returns the attached renderer, or nil before session creation.
func (c *Conversation) Streamer() Streamer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamer
}

// SetModel records the model the conversation was opened with.
func (c *Conversation) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// Model returns the recorded model id.
func (c *Conversation) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// MarkMessagesSent advances the count of request messages already rendered
// into prompts. The count never moves backward; a continuation carrying a
// truncated history must not cause earlier messages to be re-sent.
func (c *Conversation) MarkMessagesSent(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if count > c.sentMessages {
		c.sentMessages = count
	}
}

// SentMessages returns how many request messages have been rendered so far.
func (c *Conversation) SentMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentMessages
}
