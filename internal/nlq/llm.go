// Package nlq turns dashboard authors' natural-language questions into
// validated Athena SQL over the curated records table.
package nlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	bedrockruntime "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

type BedrockClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type LLMRequest struct {
	Question        string
	AllowedCounties []string // empty means any county
	MaxDaysLookback int
	SchemaText      string
	TodayISO        string // e.g. 2026-08-23
}

type LLMResult struct {
	SQL                string   `json:"sql"`
	Confidence         float64  `json:"confidence"`
	Assumptions        []string `json:"assumptions"`
	NeedsClarification bool     `json:"needs_clarification"`
	ClarifyingQuestion *string  `json:"clarifying_question"`
}

func BuildPrompt(r LLMRequest) string {
	counties := strings.Join(r.AllowedCounties, ", ")
	if counties == "" {
		counties = "(any)"
	}

	today, _ := time.Parse("2006-01-02", r.TodayISO)
	dtMin := today.AddDate(0, 0, -r.MaxDaysLookback).Format("2006-01-02")

	return fmt.Sprintf(`
You are a Text-to-SQL compiler for AWS Athena over a de-identified health
records table.

OUTPUT: valid JSON ONLY (never SQL alone).

CRITICAL RULES:
- One SELECT statement only, no semicolon, no comments.
- Use ONLY tables/columns in schema.
- dt must always have a lower bound >= '%s'.
  Example:
    dt >= date '%s'
    OR dt between date '%s' and date '%s'
- If a county allowlist is given, county must be restricted to it: [%s].
- record_date is a string 'YYYY-MM-DD' — cast as date when needed.
- NEVER remove the dt filter.
- Prefer partition pruning: filter dt (and county when asked).
- The table contains no patient identifiers; never invent columns like
  patient name or address.
- ALWAYS wrap aggregate functions in COALESCE(..., 0) so results never
  return NULL.
- When the user asks for a total/aggregate, return a single scalar column
  named appropriately (e.g. total_admissions).

TODAY: %s
DT_MIN_ALLOWED: %s

SCHEMA:
%s

USER QUESTION:
%s

Return JSON:
{
  "sql": "...",
  "confidence": 0.0,
  "assumptions": ["..."],
  "needs_clarification": false,
  "clarifying_question": null
}
`, dtMin, dtMin, dtMin, r.TodayISO, counties, r.TodayISO, dtMin, r.SchemaText, r.Question)
}

// InvokeClaude sends the prompt using the Anthropic-style Bedrock payload
// and parses the model's JSON output.
func InvokeClaude(ctx context.Context, c BedrockClient, prompt string) (*LLMResult, error) {
	modelID := strings.TrimSpace(os.Getenv("BEDROCK_MODEL_ID"))
	if modelID == "" {
		return nil, fmt.Errorf("missing env BEDROCK_MODEL_ID")
	}

	payload := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        700,
		"temperature":       0.0,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
				},
			},
		},
	}
	body, _ := json.Marshal(payload)

	out, err := c.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock InvokeModel: %w", err)
	}

	var raw struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(out.Body, &raw); err != nil {
		return nil, fmt.Errorf("bedrock response unmarshal: %w", err)
	}

	var text string
	for _, c := range raw.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}

	jsonStr := extractFirstJSONObject(strings.TrimSpace(text))
	if jsonStr == "" {
		return nil, fmt.Errorf("model did not return a JSON object")
	}

	var res LLMResult
	if err := json.Unmarshal([]byte(jsonStr), &res); err != nil {
		return nil, fmt.Errorf("LLM JSON parse failed: %w; raw=%s", err, truncate(jsonStr, 800))
	}
	res.SQL = strings.TrimSpace(res.SQL)
	return &res, nil
}

func TodayISO() string {
	return time.Now().UTC().Format("2006-01-02")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// extractFirstJSONObject finds the first balanced {...} block; good enough
// for model output that wraps JSON in stray whitespace or prose.
func extractFirstJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
