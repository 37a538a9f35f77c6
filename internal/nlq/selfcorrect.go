package nlq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"healthetl/internal/catalog"
)

type FixSQLRequest struct {
	OriginalQuestion string
	SchemaText       string
	AllowedCounties  []string
	MaxDaysLookback  int
	TodayISO         string

	PreviousSQL string
	QueryError  string
}

func BuildFixPrompt(r FixSQLRequest) string {
	today, _ := time.Parse("2006-01-02", r.TodayISO)
	dtMin := today.AddDate(0, 0, -r.MaxDaysLookback).Format("2006-01-02")

	counties := strings.Join(r.AllowedCounties, ", ")
	if counties == "" {
		counties = "(any)"
	}

	return fmt.Sprintf(`
FIX the SQL query.

CRITICAL RULES:
- Output JSON only.
- One SELECT only.
- dt MUST have lower bound >= '%s'.
- county must remain inside allowlist [%s] when one is given.
- schema + question must be respected.

SCHEMA:
%s

QUESTION:
%s

PREVIOUS SQL:
%s

ATHENA ERROR:
%s

Return JSON:
{
  "sql": "...",
  "confidence": 0.0,
  "assumptions": ["..."],
  "needs_clarification": false,
  "clarifying_question": null
}
`, dtMin, counties, r.SchemaText, r.OriginalQuestion, r.PreviousSQL, r.QueryError)
}

// ExecuteWithSelfCorrection runs the initial SQL and, on validation or
// Athena failure, asks the model to fix it up to maxFixAttempts times.
func ExecuteWithSelfCorrection(
	ctx context.Context,
	bedrock BedrockClient,
	ath catalog.AthenaClient,
	validate ValidateOptions,
	queryOpt catalog.QueryOptions,
	question string,
	schemaText string,
	initialLLM *LLMResult,
	maxFixAttempts int,
) (*LLMResult, *catalog.QueryResult, error) {

	if maxFixAttempts < 0 {
		maxFixAttempts = 0
	}

	cur := *initialLLM
	if err := ValidateSQL(cur.SQL, validate); err != nil {
		return nil, nil, fmt.Errorf("initial sql rejected: %w", err)
	}
	res, err := catalog.RunQuery(ctx, ath, cur.SQL, queryOpt)
	if err == nil {
		return &cur, res, nil
	}

	lastErr := err
	for attempt := 1; attempt <= maxFixAttempts; attempt++ {
		fixPrompt := BuildFixPrompt(FixSQLRequest{
			OriginalQuestion: question,
			SchemaText:       schemaText,
			AllowedCounties:  validate.AllowedCounties,
			MaxDaysLookback:  validate.MaxDaysLookback,
			TodayISO:         validate.TodayISO,
			PreviousSQL:      cur.SQL,
			QueryError:       lastErr.Error(),
		})

		fixed, ferr := InvokeClaude(ctx, bedrock, fixPrompt)
		if ferr != nil {
			return nil, nil, fmt.Errorf("bedrock fix attempt %d failed: %w", attempt, ferr)
		}
		if fixed.NeedsClarification {
			return fixed, nil, nil
		}

		if err := ValidateSQL(fixed.SQL, validate); err != nil {
			lastErr = fmt.Errorf("fixed sql rejected: %w", err)
			cur = *fixed
			continue
		}

		r2, err2 := catalog.RunQuery(ctx, ath, fixed.SQL, queryOpt)
		if err2 == nil {
			return fixed, r2, nil
		}
		lastErr = err2
		cur = *fixed
	}

	return &cur, nil, fmt.Errorf("athena failed after retries: %w", lastErr)
}
