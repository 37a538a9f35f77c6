package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	bedrockruntime "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/glue"

	"healthetl/internal/catalog"
	"healthetl/internal/nlq"
)

type AskHandler struct {
	cfg  aws.Config
	glue *glue.Client
	ddb  *dynamodb.Client
}

func NewAskHandler(cfg aws.Config) *AskHandler {
	return &AskHandler{
		cfg:  cfg,
		glue: glue.NewFromConfig(cfg),
		ddb:  dynamodb.NewFromConfig(cfg),
	}
}

type AskRequest struct {
	Question string   `json:"question"`
	Counties []string `json:"counties,omitempty"` // optional subset
}

func (h *AskHandler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	var body AskRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return jsonErr(http.StatusBadRequest, "invalid_json", err), nil
	}
	body.Question = strings.TrimSpace(body.Question)
	if body.Question == "" {
		return jsonErr(http.StatusBadRequest, "question_required", nil), nil
	}

	// County scoping: deployments may pin queries to a county allowlist
	// (e.g. a regional dashboard). Empty allowlist means statewide.
	allowedCounties := allowedCountiesFromEnv()
	if len(body.Counties) > 0 {
		if len(allowedCounties) > 0 {
			body.Counties = intersectAllowed(body.Counties, allowedCounties)
			if len(body.Counties) == 0 {
				return jsonErr(http.StatusForbidden, "no_allowed_counties_in_request", nil), nil
			}
		}
		allowedCounties = body.Counties
	}

	// Load schema from Glue
	database := strings.TrimSpace(os.Getenv("GLUE_DATABASE"))
	tableName := strings.TrimSpace(os.Getenv("CURATED_TABLE"))
	schema, err := catalog.LoadTableSchema(ctx, h.glue, database, tableName)
	if err != nil {
		return jsonErr(http.StatusInternalServerError, "glue_get_table_failed", err), nil
	}
	schemaText := schema.CompactText()

	maxDays := 90
	if v := strings.TrimSpace(os.Getenv("NLQ_MAX_DAYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxDays = n
		}
	}
	today := nlq.TodayISO()
	schemaHash := nlq.SchemaHash(schemaText)

	ck := nlq.CacheKey{
		Counties:   allowedCounties,
		Question:   body.Question,
		TodayISO:   today,
		MaxDays:    maxDays,
		SchemaHash: schemaHash,
	}

	if cached, ok, err := nlq.GetCached(ctx, h.ddb, ck); err == nil && ok {
		return jsonOK(map[string]any{
			"type":          "result",
			"cached":        true,
			"sql":           cached.SQL,
			"assumptions":   cached.Assumptions,
			"confidence":    cached.Confidence,
			"result":        nlq.ShapeResult(cached.Columns, cached.Rows),
			"query_id":      cached.QueryID,
			"scanned_bytes": cached.ScannedBytes,
			"exec_ms":       cached.ExecMs,
		}), nil
	}

	prompt := nlq.BuildPrompt(nlq.LLMRequest{
		Question:        body.Question,
		AllowedCounties: allowedCounties,
		MaxDaysLookback: maxDays,
		SchemaText:      schemaText,
		TodayISO:        today,
	})

	br := bedrockruntime.NewFromConfig(h.cfg)
	ath := athena.NewFromConfig(h.cfg)

	llmRes, err := nlq.InvokeClaude(ctx, br, prompt)
	if err != nil {
		return jsonErr(http.StatusInternalServerError, "bedrock_error", err), nil
	}

	if llmRes.NeedsClarification {
		return jsonOK(map[string]any{
			"type":                "clarification",
			"clarifying_question": llmRes.ClarifyingQuestion,
			"assumptions":         llmRes.Assumptions,
			"confidence":          llmRes.Confidence,
		}), nil
	}

	sqlValidate := nlq.ValidateOptions{
		AllowedCounties: allowedCounties,
		RequireDTFilter: true,
		MaxDaysLookback: maxDays,
		TodayISO:        today,
	}
	if err := nlq.ValidateSQL(llmRes.SQL, sqlValidate); err != nil {
		return jsonOK(map[string]any{
			"type":        "sql_rejected",
			"reason":      err.Error(),
			"model_sql":   llmRes.SQL,
			"assumptions": llmRes.Assumptions,
			"confidence":  llmRes.Confidence,
		}), nil
	}

	queryOpt := catalog.QueryOptions{
		Database:       database,
		Workgroup:      strings.TrimSpace(os.Getenv("ATHENA_WORKGROUP")),
		OutputLocation: strings.TrimSpace(os.Getenv("ATHENA_OUTPUT_S3")),
		MaxWait:        25 * time.Second,
		PollInterval:   700 * time.Millisecond,
		MaxResultRows:  200,
	}

	finalLLM, athRes, runErr := nlq.ExecuteWithSelfCorrection(
		ctx, br, ath, sqlValidate, queryOpt,
		body.Question, schemaText, llmRes,
		2, // max fix attempts
	)
	if runErr != nil {
		lastSQL := ""
		lastAssumptions := []string(nil)
		lastConfidence := 0.0
		if finalLLM != nil {
			lastSQL = finalLLM.SQL
			lastAssumptions = finalLLM.Assumptions
			lastConfidence = finalLLM.Confidence
		}
		return jsonOK(map[string]any{
			"type":        "athena_failed",
			"error":       runErr.Error(),
			"last_sql":    lastSQL,
			"assumptions": lastAssumptions,
			"confidence":  lastConfidence,
		}), nil
	}

	// Clarification after a fix attempt (rare, but allowed)
	if athRes == nil && finalLLM != nil && finalLLM.NeedsClarification {
		return jsonOK(map[string]any{
			"type":                "clarification",
			"clarifying_question": finalLLM.ClarifyingQuestion,
			"assumptions":         finalLLM.Assumptions,
			"confidence":          finalLLM.Confidence,
		}), nil
	}

	_ = nlq.PutCached(ctx, h.ddb, ck, nlq.CachedResponse{
		SQL:          finalLLM.SQL,
		Columns:      athRes.Columns,
		Rows:         athRes.Rows,
		Assumptions:  finalLLM.Assumptions,
		Confidence:   finalLLM.Confidence,
		ScannedBytes: athRes.ScannedBytes,
		ExecMs:       athRes.ExecutionMs,
		QueryID:      athRes.QueryExecutionID,
	})

	return jsonOK(map[string]any{
		"type":          "result",
		"sql":           finalLLM.SQL,
		"assumptions":   finalLLM.Assumptions,
		"confidence":    finalLLM.Confidence,
		"result":        nlq.ShapeResult(athRes.Columns, athRes.Rows),
		"query_id":      athRes.QueryExecutionID,
		"scanned_bytes": athRes.ScannedBytes,
		"exec_ms":       athRes.ExecutionMs,
	}), nil
}

func allowedCountiesFromEnv() []string {
	raw := strings.TrimSpace(os.Getenv("ALLOWED_COUNTIES"))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func intersectAllowed(requested, allowed []string) []string {
	allowedSet := map[string]bool{}
	for _, a := range allowed {
		allowedSet[strings.ToLower(strings.TrimSpace(a))] = true
	}
	out := make([]string, 0, len(requested))
	seen := map[string]bool{}
	for _, r := range requested {
		r2 := strings.TrimSpace(r)
		if r2 == "" {
			continue
		}
		k := strings.ToLower(r2)
		if !allowedSet[k] || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r2)
	}
	return out
}
