package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// RunManifest records what one pipeline run extracted, transformed, and
// loaded. It is written to metadata/ in the analytics bucket and summarized
// in the runs table.
type RunManifest struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`

	WindowStart string `json:"window_start"`
	WindowEnd   string `json:"window_end"`

	Extracted   int `json:"extracted"`
	Staged      int `json:"staged,omitempty"`
	Invalid     int `json:"invalid"`
	Duplicates  int `json:"duplicates,omitempty"`
	Loaded      int `json:"loaded"`
	ImputedLOS  int `json:"imputed_length_of_stay"`
	ImputedCost int `json:"imputed_total_cost"`

	Partitions   int      `json:"partitions"`
	PartFiles    []string `json:"part_files,omitempty"`
	ExtractFiles []string `json:"extract_files,omitempty"`
	VerifiedRows int64    `json:"verified_rows"`

	// PHITreatments documents how each protected field was handled, so the
	// manifest doubles as the de-identification audit record.
	PHITreatments map[string]string `json:"phi_treatments,omitempty"`

	Summary Summary `json:"summary"`
	Error   string  `json:"error,omitempty"`
}

type RunStore interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// NewRunID is time-ordered so manifest keys sort chronologically.
func NewRunID(t time.Time) string {
	return t.UTC().Format("20060102-150405") + "-" + randHex(4)
}

// SaveRun upserts the run summary item. All runs share one partition key so
// a single Query lists them newest-first; daily batch volume keeps the
// partition small.
func SaveRun(ctx context.Context, ddb RunStore, table string, m RunManifest) error {
	table = strings.TrimSpace(table)
	if table == "" {
		return fmt.Errorf("missing runs table name")
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal run payload: %w", err)
	}

	_, err = ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item: map[string]ddbtypes.AttributeValue{
			"PK":        &ddbtypes.AttributeValueMemberS{Value: "RUN"},
			"SK":        &ddbtypes.AttributeValueMemberS{Value: fmt.Sprintf("%s#%s", m.StartedAt, m.RunID)},
			"RunId":     &ddbtypes.AttributeValueMemberS{Value: m.RunID},
			"Status":    &ddbtypes.AttributeValueMemberS{Value: m.Status},
			"StartedAt": &ddbtypes.AttributeValueMemberS{Value: m.StartedAt},
			"Loaded":    &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", m.Loaded)},
			"Invalid":   &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", m.Invalid)},
			"Payload":   &ddbtypes.AttributeValueMemberS{Value: string(payload)},
		},
	})
	if err != nil {
		return fmt.Errorf("put run item: %w", err)
	}
	return nil
}
