package prompt

// Assemble builds the outbound message list: one system message followed by
// the history in its original order.
func Assemble(system string, history []Message) []Message {
	messages := make([]Message, 0, 1+len(history))
	messages = append(messages, Message{Role: RoleSystem, Content: system})
	messages = append(messages, history...)
	return messages
}
