package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"dvai-assistant/internal/domain"
	"dvai-assistant/internal/intent"
)

type promptContext struct {
	click  *domain.ClickContext
	intent intent.Result
	topics []string
}

func buildPromptMessages(pc promptContext, question string, history []domain.ChatMessage) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildPolicyPrompt(pc.topics)},
	}
	if ctx := buildContextPrompt(pc); ctx != "" {
		messages = append(messages, domain.ChatMessage{Role: "system", Content: ctx})
	}
	messages = append(messages, history...)
	messages = append(messages, domain.ChatMessage{
		Role:    "user",
		Content: question,
	})
	return messages
}

func buildPolicyPrompt(topics []string) string {
	return strings.Join([]string{
		"Role:",
		"You are the DVAi$ website assistant. Answer in Brazilian Portuguese.",
		"",
		"Known topics:",
		"- " + strings.Join(topics, "\n- "),
		"",
		"Behavior Rules:",
		behaviorRules(),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func buildContextPrompt(pc promptContext) string {
	var lines []string
	if pc.intent.Primary != "" && pc.intent.Primary != intent.Unknown {
		lines = append(lines, fmt.Sprintf("Detected intent: %s (confidence %.2f)", pc.intent.Primary, pc.intent.Confidence))
	}
	if !pc.click.Empty() {
		lines = append(lines, fmt.Sprintf(
			"The user clicked an element before asking: id=%q text=%q tag=%q",
			pc.click.ClickedTargetID,
			normalizePromptInput(pc.click.ClickedText),
			pc.click.ClickedTag,
		))
	}
	return strings.Join(lines, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Answer only the current user question, in at most three short sentences.",
		"2) Never give financial advice, investment recommendations or price predictions.",
		"3) Treat questions unrelated to the platform as off-topic and steer back to it.",
		"4) Only reference page targets that start with '#'.",
		"5) If required information is unavailable, say so plainly.",
	}, "\n")
}

func outputContract() string {
	return "Return JSON only with keys spokenText (string), onScreenTopic (string, may be empty), " +
		"actions (array of {type, target, value}), requiresUserClick (boolean) and confidence (number 0..1)."
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

func parseModelAnswer(raw string) (domain.ModelAnswer, error) {
	var out domain.ModelAnswer
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	if err := dec.Decode(&out); err != nil {
		return domain.ModelAnswer{}, fmt.Errorf("usecase: decode model answer: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return domain.ModelAnswer{}, errors.New("usecase: decode model answer: multiple JSON values")
		}
		return domain.ModelAnswer{}, fmt.Errorf("usecase: decode model answer trailing data: %w", err)
	}
	out.SpokenText = strings.TrimSpace(out.SpokenText)
	if out.SpokenText == "" {
		return domain.ModelAnswer{}, errors.New("usecase: model answer missing spokenText")
	}
	if out.Actions == nil {
		out.Actions = []domain.Action{}
	}
	out.Confidence = min(max(out.Confidence, 0), 1)
	return out, nil
}

var spokenTextKey = regexp.MustCompile(`"spokenText"\s*:\s*"`)

const (
	seekingText = iota
	readingText
	finishedText
)

// spokenTextStream pulls the decoded spokenText value out of a JSON object
// that arrives in arbitrary fragments.
type spokenTextStream struct {
	raw   []byte
	pos   int
	state int
}

// Feed appends fragment and returns the part of spokenText it completed.
func (s *spokenTextStream) Feed(fragment string) string {
	s.raw = append(s.raw, fragment...)
	if s.state == seekingText {
		loc := spokenTextKey.FindIndex(s.raw)
		if loc == nil {
			return ""
		}
		s.pos = loc[1]
		s.state = readingText
	}
	if s.state != readingText {
		return ""
	}

	var out strings.Builder
	for s.pos < len(s.raw) {
		c := s.raw[s.pos]
		switch c {
		case '"':
			s.state = finishedText
			return out.String()
		case '\\':
			n := escapeLen(s.raw[s.pos:])
			if n == 0 {
				return out.String()
			}
			quoted := make([]byte, 0, n+2)
			quoted = append(quoted, '"')
			quoted = append(quoted, s.raw[s.pos:s.pos+n]...)
			quoted = append(quoted, '"')
			var decoded string
			if err := json.Unmarshal(quoted, &decoded); err == nil {
				out.WriteString(decoded)
			}
			s.pos += n
		default:
			out.WriteByte(c)
			s.pos++
		}
	}
	return out.String()
}

// escapeLen is the length of the escape sequence at the start of b, or 0 when
// more input is needed.
func escapeLen(b []byte) int {
	if len(b) < 2 {
		return 0
	}
	if b[1] != 'u' {
		return 2
	}
	if len(b) < 6 {
		return 0
	}
	if !highSurrogate(b[2:6]) {
		return 6
	}
	// A high surrogate is only decodable together with the low half.
	switch {
	case len(b) < 7:
		return 0
	case b[6] != '\\':
		return 6
	case len(b) < 8:
		return 0
	case b[7] != 'u':
		return 6
	case len(b) < 12:
		return 0
	}
	return 12
}

func highSurrogate(hex []byte) bool {
	v, err := strconv.ParseUint(string(hex), 16, 16)
	return err == nil && v >= 0xD800 && v < 0xDC00
}
