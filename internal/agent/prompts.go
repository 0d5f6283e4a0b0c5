package agent

import (
	"fmt"
	"strings"

	"github.com/Dhairya10/primed-api/internal/models"
)

// SessionReadyMarker is the text primer injected right after setup so the
// agent speaks first. It is never rendered into the transcript.
const SessionReadyMarker = "[SESSION_READY]"

const endInterviewTool = "end_interview"

// endInterviewDeclaration is the one tool exposed to the agent. Calling it
// is the agent's way of ending the session on its own initiative.
func endInterviewDeclaration() functionDeclaration {
	return functionDeclaration{
		Name:        endInterviewTool,
		Description: "End the interview session. Call this when the interview has reached a natural conclusion or the candidate asks to stop.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{
					"type":        "string",
					"description": "Brief summary of what was covered in the interview.",
				},
			},
			"required": []string{"summary"},
		},
	}
}

const promptShared = `You are running a timed mock interview over voice. Stay in character as the interviewer for the whole session.

Ground rules:
- When you receive the text "[SESSION_READY]", greet the candidate, introduce the exercise in one or two sentences, then ask your first question. Never read the marker aloud or refer to it.
- Ask one question at a time and let the candidate finish before following up.
- Push for specifics: numbers, trade-offs, what they would actually do. Do not accept vague answers without one follow-up.
- Keep your own speaking turns short. The candidate should do most of the talking.
- If a system message tells you time is running out, start wrapping up: thank the candidate, give one sentence of closing, and call the end_interview tool with a summary.
- When the interview reaches a natural end, or the candidate asks to stop, call the end_interview tool. Do not announce the tool.

The exercise:
Title: %s
Problem: %s
Context: %s`

var disciplineIntros = map[string]string{
	"product":   "You are a senior product manager interviewing a product management candidate. Probe product sense, prioritization, and how they reason about users and metrics.",
	"design":    "You are a design director interviewing a product designer. Probe their design process, how they frame user problems, and how they justify visual and interaction decisions.",
	"marketing": "You are a marketing leader interviewing a growth marketing candidate. Probe positioning, channel strategy, and how they measure what works.",
}

// BuildInstruction renders the system instruction for a drill. Unknown
// disciplines fall back to the product interviewer.
func BuildInstruction(drill *models.Drill) string {
	intro, ok := disciplineIntros[strings.ToLower(drill.Discipline)]
	if !ok {
		intro = disciplineIntros["product"]
	}
	body := fmt.Sprintf(promptShared, drill.Title, drill.ProblemStatement, drill.Context)
	return intro + "\n\n" + body
}
