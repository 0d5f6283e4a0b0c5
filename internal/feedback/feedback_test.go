package feedback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Dhairya10/primed-api/internal/models"
)

func TestParseFeedbackJSON(t *testing.T) {
	raw := `{"summary": "Solid session.", "skills": [{"skill_name": "Prioritization", "evaluation": "Demonstrated", "feedback": "Clear framework."}]}`

	fb, err := ParseFeedbackJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fb.Summary != "Solid session." {
		t.Errorf("unexpected summary %q", fb.Summary)
	}
	if len(fb.Skills) != 1 || fb.Skills[0].Evaluation != models.SkillDemonstrated {
		t.Errorf("unexpected skills: %+v", fb.Skills)
	}
}

func TestParseFeedbackJSONCodeFence(t *testing.T) {
	raw := "Here is the feedback:\n```json\n{\"summary\": \"ok good\", \"skills\": [{\"skill_name\": \"x\", \"evaluation\": \"Missed\", \"feedback\": \"f\"}]}\n```"

	fb, err := ParseFeedbackJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fb.Summary != "ok good" {
		t.Errorf("unexpected summary %q", fb.Summary)
	}
}

func TestParseFeedbackJSONRejectsEmpty(t *testing.T) {
	cases := []string{
		`not json at all`,
		`{"summary": "", "skills": []}`,
		`{"summary": "s", "skills": []}`,
	}
	for _, raw := range cases {
		if _, err := ParseFeedbackJSON(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestClampScore(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{-1, 0},
		{0, 0},
		{3.5, 3.5},
		{7, 7},
		{8.5, 7},
	}
	for _, c := range cases {
		if got := ClampScore(c.in); got != c.want {
			t.Errorf("ClampScore(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSkillScoreChange(t *testing.T) {
	cases := []struct {
		eval string
		want float64
		ok   bool
	}{
		{models.SkillDemonstrated, 1.0, true},
		{models.SkillPartial, 0.5, true},
		{models.SkillMissed, -1.0, true},
		{"Excellent", 0, false},
	}
	for _, c := range cases {
		got, ok := models.SkillScoreChange(c.eval)
		if got != c.want || ok != c.ok {
			t.Errorf("SkillScoreChange(%q) = %v, %v", c.eval, got, ok)
		}
	}
}

func TestValidateSkillsFiltersUnknown(t *testing.T) {
	s := &Service{logger: logrus.New()}
	skills := []models.Skill{
		{ID: uuid.New(), Name: "Prioritization"},
		{ID: uuid.New(), Name: "Metrics"},
	}
	result := &models.DrillFeedback{
		Summary: "s",
		Skills: []models.SkillFeedback{
			{SkillName: "Prioritization", Evaluation: models.SkillDemonstrated, Feedback: "f"},
			{SkillName: "Charisma", Evaluation: models.SkillPartial, Feedback: "f"},
		},
	}

	valid, err := s.validateSkills(result, skills)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(valid) != 1 || valid[0].SkillName != "Prioritization" {
		t.Errorf("unexpected valid set: %+v", valid)
	}
}

func TestValidateSkillsAllUnknownFails(t *testing.T) {
	s := &Service{logger: logrus.New()}
	skills := []models.Skill{{ID: uuid.New(), Name: "Metrics"}}
	result := &models.DrillFeedback{
		Summary: "s",
		Skills:  []models.SkillFeedback{{SkillName: "Charisma", Evaluation: models.SkillPartial, Feedback: "f"}},
	}
	if _, err := s.validateSkills(result, skills); err == nil {
		t.Error("expected error when no evaluation matches a tested skill")
	}
}

func TestLLMEvaluatorRequestAndResponse(t *testing.T) {
	feedbackJSON := `{"summary": "Two good answers.", "skills": [{"skill_name": "Metrics", "evaluation": "Partial", "feedback": "Some numbers."}]}`

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": feedbackJSON}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewLLMEvaluator(srv.URL, "test-key", "gemini-2.5-flash")
	drill := &models.Drill{Title: "Pricing drill", ProblemStatement: "Price a new tier"}
	skills := []models.Skill{{ID: uuid.New(), Name: "Metrics", Description: "Uses numbers well"}}

	fb, err := e.Evaluate(context.Background(), drill, skills, "Interviewer: hi\n\nCandidate: hello")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if fb.Summary != "Two good answers." {
		t.Errorf("unexpected summary %q", fb.Summary)
	}
	if fb.EvaluationMeta == nil || fb.EvaluationMeta.Model != "gemini-2.5-flash" {
		t.Errorf("evaluation meta not set: %+v", fb.EvaluationMeta)
	}

	if captured["model"] != "gemini-2.5-flash" {
		t.Errorf("model not sent: %v", captured["model"])
	}
	rf, _ := captured["response_format"].(map[string]any)
	if rf == nil || rf["type"] != "json_schema" {
		t.Errorf("structured output not requested: %v", captured["response_format"])
	}
	msgs, _ := captured["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(msgs))
	}
	user, _ := msgs[1].(map[string]any)
	content, _ := user["content"].(string)
	for _, want := range []string{"Pricing drill", "Metrics", "Candidate: hello"} {
		if !strings.Contains(content, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestLLMEvaluatorAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewLLMEvaluator(srv.URL, "k", "m")
	_, err := e.Evaluate(context.Background(), &models.Drill{}, []models.Skill{{Name: "x"}}, "t")
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Errorf("expected status error, got %v", err)
	}
}
