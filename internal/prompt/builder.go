package prompt

import (
	"strings"
)

// Message is one chat message sent to a model.
type Message struct {
	Role    string
	Content string
}

// BuildSystemPrompt assembles the system prompt for a stage.
// Pure function: same inputs → same output.
//
// Components:
// 1. Stage seed (role and instructions)
// 2. Global seed (shared house rules)
// 3. Assembled context
func BuildSystemPrompt(seeds *StageSeeds, context string) string {
	var parts []string

	if seeds.Seed != "" {
		parts = append(parts, seeds.Seed)
	}

	if seeds.Global != "" {
		parts = append(parts, seeds.Global)
	}

	if strings.TrimSpace(context) != "" {
		parts = append(parts, "Context:\n\n"+context)
	}

	return strings.Join(parts, sectionSeparator)
}

// StaticStageMessages builds the messages for stage that do not depend on
// the previous stage's output.
func StaticStageMessages(seeds *StageSeeds, a *Assembled) []Message {
	return []Message{{Role: "system", Content: BuildSystemPrompt(seeds, a.Text)}}
}

// BuildStageMessages builds the full message list for a stage. previous is
// the accepted output of the preceding stage and is ignored for generate.
func BuildStageMessages(seeds *StageSeeds, a *Assembled, previous string) []Message {
	return append(StaticStageMessages(seeds, a), UserMessage(seeds.Stage, a.Query, previous))
}

// UserMessage builds the user turn for stage.
func UserMessage(stage, query, previous string) Message {
	return Message{Role: "user", Content: userContent(stage, query, previous)}
}

func userContent(stage, query, previous string) string {
	var label, instruction string
	switch stage {
	case StageRefine:
		label = "Generator answer"
		instruction = "Improve this answer."
	case StageValidate:
		label = "Refined answer"
		instruction = "Validate and correct this answer."
	case StageCurate:
		label = "Validated answer"
		instruction = "Produce the final answer."
	default:
		return query
	}

	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\n")
	b.WriteString(label)
	b.WriteString(":\n")
	b.WriteString(previous)
	b.WriteString("\n\n")
	b.WriteString(instruction)
	return b.String()
}

// JoinMessages flattens messages into one string, used for fingerprinting.
func JoinMessages(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\x1e")
		}
		b.WriteString(m.Role)
		b.WriteString("\x1f")
		b.WriteString(m.Content)
	}
	return b.String()
}
