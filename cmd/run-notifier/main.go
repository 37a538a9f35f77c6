package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"healthetl/internal/alerts"
)

// Relays run reports dropped on the notifications queue to the ops SNS
// topic. Lets other jobs (backfills, manual reruns) reuse the same alert
// path without talking to SNS directly.
type notifier struct {
	sn       *sns.Client
	topicArn string
}

func newNotifier(ctx context.Context) (*notifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := sns.NewFromConfig(cfg)

	topicArn := strings.TrimSpace(os.Getenv("RUN_ALERTS_TOPIC_ARN"))
	if topicArn == "" {
		stage := strings.TrimSpace(os.Getenv("ALERTS_STAGE"))
		email := strings.TrimSpace(os.Getenv("OPS_ALERT_EMAIL"))
		topicArn, err = alerts.EnsureOpsTopic(ctx, client, stage, email)
		if err != nil {
			return nil, err
		}
	}

	return &notifier{sn: client, topicArn: topicArn}, nil
}

func (n *notifier) handler(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	failures := make([]events.SQSBatchItemFailure, 0)

	for _, rec := range sqsEvent.Records {
		var report alerts.RunReport
		if err := json.Unmarshal([]byte(rec.Body), &report); err != nil {
			// Malformed payloads won't get better on retry; log and ack.
			log.Printf("run-notifier: msgId=%s bad payload: %v", rec.MessageId, err)
			continue
		}
		if strings.TrimSpace(report.RunID) == "" {
			log.Printf("run-notifier: msgId=%s missing run id", rec.MessageId)
			continue
		}

		if err := alerts.PublishRunReport(ctx, n.sn, n.topicArn, report); err != nil {
			log.Printf("run-notifier: msgId=%s publish failed: %v", rec.MessageId, err)
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}

	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func main() {
	ctx := context.Background()

	n, err := newNotifier(ctx)
	if err != nil {
		log.Fatalf("run-notifier init: %v", err)
	}
	lambda.Start(n.handler)
}
