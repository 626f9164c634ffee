package prompt

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a model-agnostic chat message used across the relay pipeline.
type Message struct {
	Role    Role
	Content string
}
