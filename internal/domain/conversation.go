package domain

// Action is a structured instruction for the client UI (scroll, highlight,
// open a link) attached to an answer.
type Action struct {
	Type   string `json:"type" yaml:"type"`
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	Value  string `json:"value,omitempty" yaml:"value,omitempty"`
}

// CTA is a call-to-action button offered with an answer.
type CTA struct {
	Label string `json:"label" yaml:"label"`
	URL   string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Answer modes reported to the client.
const (
	ModeKnowledge = "kb"
	ModeCache     = "cache"
	ModeModel     = "llm"
	ModeError     = "error"
)

// KnowledgeAnswer is returned when the knowledge base resolves the question.
type KnowledgeAnswer struct {
	EntryID   string   `json:"entryId"`
	Responses []string `json:"responses"`
	Actions   []Action `json:"actions"`
	CTAs      []CTA    `json:"ctas"`
}

// ModelAnswer is returned when the external model produced the answer.
type ModelAnswer struct {
	SpokenText        string   `json:"spokenText"`
	OnScreenTopic     string   `json:"onScreenTopic,omitempty"`
	Actions           []Action `json:"actions"`
	RequiresUserClick bool     `json:"requiresUserClick"`
	Confidence        float64  `json:"confidence"`
}
