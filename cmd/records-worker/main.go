package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"healthetl/internal/db"
	"healthetl/internal/ingest"
	"healthetl/internal/secrets"
	"healthetl/internal/security"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// EBEvent is the EventBridge envelope the ingest bus delivers to SQS.
type EBEvent struct {
	DetailType string         `json:"detail-type"`
	Source     string         `json:"source"`
	Time       string         `json:"time"`
	Detail     map[string]any `json:"detail"`
}

type worker struct {
	ddb     *dynamodb.Client
	keyring *security.Keyring
	table   string
}

func newWorker(ctx context.Context) (*worker, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	table := strings.TrimSpace(db.StagingRecordsTableName())
	if table == "" {
		return nil, fmt.Errorf("missing STAGING_RECORDS_TABLE")
	}

	// Staged patient ids are sealed at rest; the key lives in SSM.
	key, err := secrets.GetByEnv(ctx, ssm.NewFromConfig(cfg), "RECORDS_ENC_KEY_PARAM")
	if err != nil {
		return nil, fmt.Errorf("load records enc key: %w", err)
	}
	if key == "" {
		return nil, fmt.Errorf("missing RECORDS_ENC_KEY_PARAM")
	}
	kr, err := security.NewKeyring(key)
	if err != nil {
		return nil, fmt.Errorf("init keyring: %w", err)
	}

	return &worker{
		ddb:     dynamodb.NewFromConfig(cfg),
		keyring: kr,
		table:   table,
	}, nil
}

func (w *worker) handler(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	failures := make([]events.SQSBatchItemFailure, 0)

	for _, rec := range sqsEvent.Records {
		dup, err := ingest.ClaimMessage(ctx, w.ddb, rec.MessageId, "state-feed")
		if err != nil {
			log.Printf("records-worker: msgId=%s dedupe claim failed: %v", rec.MessageId, err)
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
			continue
		}
		if dup {
			continue
		}

		if err := w.processOneMessage(ctx, rec.Body); err != nil {
			// Log + mark this message as failed so it retries (or goes to DLQ)
			log.Printf("records-worker: msgId=%s failed: %v", rec.MessageId, err)
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}

	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func (w *worker) processOneMessage(ctx context.Context, body string) error {
	var e EBEvent
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return fmt.Errorf("unmarshal eb event: %w", err)
	}

	recsAny := pickAny(e.Detail, "records")
	if recsAny == nil {
		// Single-record envelope
		if one := asMap(pickAny(e.Detail, "record")); len(one) > 0 {
			return w.stageRecord(ctx, one)
		}
		// Not ours; treat as success (should not happen due to filter)
		return nil
	}

	list, ok := recsAny.([]any)
	if !ok {
		return fmt.Errorf("detail.records is not a list")
	}

	for i, item := range list {
		rec := asMap(item)
		if len(rec) == 0 {
			return fmt.Errorf("record %d is not an object", i)
		}
		if err := w.stageRecord(ctx, rec); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

func (w *worker) stageRecord(ctx context.Context, rec map[string]any) error {
	patientID := pickString(rec, "patient_id")
	if patientID == "" {
		return fmt.Errorf("missing patient_id")
	}
	recordDate, err := stagingDate(pickString(rec, "record_date"))
	if err != nil {
		return err
	}

	// Deterministic SK so a replayed record overwrites its own item.
	condition := pickString(rec, "condition")
	skHash := sha256.Sum256([]byte(patientID + "|" + recordDate + "|" + condition))
	sk := hex.EncodeToString(skHash[:16])

	sealed, err := w.keyring.Seal(patientID)
	if err != nil {
		return fmt.Errorf("seal patient id: %w", err)
	}

	// Raw ids never land in staging plaintext.
	stripped := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == "patient_id" {
			continue
		}
		stripped[k] = v
	}
	payload, err := json.Marshal(stripped)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = w.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(w.table),
		Item: map[string]types.AttributeValue{
			"PK":           &types.AttributeValueMemberS{Value: fmt.Sprintf("REC#%s", recordDate)},
			"SK":           &types.AttributeValueMemberS{Value: sk},
			"EncPatientId": &types.AttributeValueMemberS{Value: sealed},
			"Payload":      &types.AttributeValueMemberS{Value: string(payload)},
			"StagedAt":     &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			"Source":       &types.AttributeValueMemberS{Value: "state-feed"},
		},
	})
	if err != nil {
		return fmt.Errorf("ddb put staging record: %w", err)
	}
	return nil
}

// stagingDate normalizes a feed timestamp to the YYYY-MM-DD partition day.
// Anything that does not parse as a date is rejected before it can become
// a staging key, so the message retries instead of poisoning the table.
func stagingDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) > 10 {
		s = s[:10]
	}
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return "", fmt.Errorf("invalid record_date %q: %w", s, err)
	}
	return s, nil
}

func pickString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func pickAny(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func asMap(v any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func main() {
	ctx := context.Background()

	w, err := newWorker(ctx)
	if err != nil {
		log.Fatalf("records-worker init: %v", err)
	}
	lambda.Start(w.handler)
}
