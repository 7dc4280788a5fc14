package model

import (
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ProvisionalPrefix marks ids minted locally before the server echo arrives.
const ProvisionalPrefix = "temp-"

// ChatMessage represents one turn in a project's conversation with an agent.
type ChatMessage struct {
	MessageID  string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	IsThinking bool      `json:"is_thinking"`
	CreatedAt  time.Time `json:"created_at"`
}

func IsProvisional(id string) bool { return strings.HasPrefix(id, ProvisionalPrefix) }

func (m *ChatMessage) IsProvisional() bool { return IsProvisional(m.MessageID) }

// NewProvisionalMessage builds the local stand-in for a user message.
func NewProvisionalMessage(id, projectID, content string) *ChatMessage {
	return &ChatMessage{
		MessageID: id,
		ProjectID: projectID,
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// ProvisionalIDs mints strictly increasing ids of the form temp-<origin>-<ulid>.
// The origin tag keeps ids from different processes apart; the monotonic ULID
// keeps ids minted within the same millisecond apart.
type ProvisionalIDs struct {
	mu      sync.Mutex
	origin  string
	entropy io.Reader
	now     func() time.Time
}

func NewProvisionalIDs() *ProvisionalIDs {
	return &ProvisionalIDs{
		origin:  strings.SplitN(uuid.NewString(), "-", 2)[0],
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

func (g *ProvisionalIDs) Origin() string { return g.origin }

func (g *ProvisionalIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
	return ProvisionalPrefix + g.origin + "-" + id.String()
}

// WithoutMessage returns a copy of msgs lacking the message with the given id.
func WithoutMessage(msgs []*ChatMessage, id string) []*ChatMessage {
	out := make([]*ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.MessageID != id {
			out = append(out, m)
		}
	}
	return out
}

// RecentMessages returns the last n messages (all of them when n <= 0).
func RecentMessages(msgs []*ChatMessage, n int) []*ChatMessage {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
