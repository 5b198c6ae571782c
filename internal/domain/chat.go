package domain

// ChatMessage is the provider-agnostic chat message shape used by the handler
// and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role" validate:"oneof=user assistant"`
	Content string `json:"content"`
}

// ClickContext describes the on-screen element the user interacted with
// before asking, if any.
type ClickContext struct {
	ClickedTargetID string `json:"clickedTargetId,omitempty" validate:"max=100"`
	ClickedText     string `json:"clickedText,omitempty" validate:"max=200"`
	ClickedTag      string `json:"clickedTag,omitempty" validate:"max=40"`
}

// Empty reports whether no click information was supplied.
func (c *ClickContext) Empty() bool {
	return c == nil || (c.ClickedTargetID == "" && c.ClickedText == "" && c.ClickedTag == "")
}
