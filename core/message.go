package core

type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Conversation is an append-only message history owned by a single session.
type Conversation struct {
	messages []Message
}

func NewConversation(msgs ...Message) *Conversation {
	c := &Conversation{messages: make([]Message, 0, len(msgs))}
	c.messages = append(c.messages, msgs...)
	return c
}

func (c *Conversation) Append(m Message) {
	c.messages = append(c.messages, m)
}

// Messages returns a copy so callers cannot rewrite history.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) Len() int {
	return len(c.messages)
}
