package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Dhairya10/primed-api/internal/models"
)

const evaluatorSystemPrompt = `You are an expert interview coach providing structured feedback on mock interview performance.`

const evaluatorPromptTemplate = `Evaluate the candidate's performance in this mock interview.

DRILL: %s
%s

SKILLS TO EVALUATE:
%s

TRANSCRIPT:
%s

For each listed skill, judge whether the candidate Demonstrated it, Partially demonstrated it ("Partial"), or Missed it. Give 2-3 sentences of feedback per skill and an improvement suggestion when the skill was not fully demonstrated. Finish with a 2 sentence session summary.

Return JSON only.`

// feedbackSchema is the structured output contract sent to the model.
var feedbackSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"summary": map[string]interface{}{
			"type":        "string",
			"description": "2 sentence session summary",
		},
		"skills": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"skill_name": map[string]interface{}{
						"type": "string",
					},
					"evaluation": map[string]interface{}{
						"type": "string",
						"enum": []string{models.SkillDemonstrated, models.SkillPartial, models.SkillMissed},
					},
					"feedback": map[string]interface{}{
						"type":        "string",
						"description": "2-3 sentences explaining performance",
					},
					"improvement_suggestion": map[string]interface{}{
						"type":        "string",
						"description": "Actionable guidance when the skill was not demonstrated",
					},
				},
				"required":             []string{"skill_name", "evaluation", "feedback"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"summary", "skills"},
	"additionalProperties": false,
}

// LLMEvaluator calls an OpenAI-compatible chat completions endpoint with a
// JSON schema response format.
type LLMEvaluator struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewLLMEvaluator builds an evaluator against baseURL (no trailing slash).
func NewLLMEvaluator(baseURL, apiKey, model string) *LLMEvaluator {
	return &LLMEvaluator{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Evaluate implements Evaluator.
func (e *LLMEvaluator) Evaluate(ctx context.Context, drill *models.Drill, skills []models.Skill, transcript string) (*models.DrillFeedback, error) {
	skillLines := make([]string, len(skills))
	for i, sk := range skills {
		desc := sk.Description
		if desc == "" {
			desc = "No description provided"
		}
		skillLines[i] = fmt.Sprintf("**%s**\n%s", sk.Name, desc)
	}

	prompt := fmt.Sprintf(evaluatorPromptTemplate,
		drill.Title, drill.ProblemStatement, strings.Join(skillLines, "\n\n"), transcript)

	requestBody := map[string]interface{}{
		"model": e.model,
		"messages": []map[string]interface{}{
			{"role": "system", "content": evaluatorSystemPrompt},
			{"role": "user", "content": prompt},
		},
		"stream":      false,
		"temperature": 0.3,
		"response_format": map[string]interface{}{
			"type": "json_schema",
			"json_schema": map[string]interface{}{
				"name":   "drill_feedback",
				"strict": true,
				"schema": feedbackSchema,
			},
		},
	}

	reqBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("feedback: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("feedback: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("feedback: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("feedback: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feedback: API error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("feedback: parse API response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return nil, fmt.Errorf("feedback: no response from evaluator model")
	}

	fb, err := ParseFeedbackJSON(apiResponse.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	fb.EvaluationMeta = &models.EvaluationMeta{
		Model:       e.model,
		EvaluatedAt: time.Now().UTC(),
	}
	return fb, nil
}
