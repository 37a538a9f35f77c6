// Package alerts publishes pipeline run reports to an SNS topic that data
// stewards subscribe to by email.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
}

// RunReport is the notification payload; it carries counts only, never
// record-level data.
type RunReport struct {
	RunID     string
	Status    string
	Window    string
	Extracted int
	Invalid   int
	Loaded    int
	Verified  int64
	Error     string
}

// EnsureOpsTopic creates (or finds, CreateTopic is idempotent by name) the
// run-alerts topic and subscribes the ops email if one is configured. The
// email subscription requires a one-time confirm click.
func EnsureOpsTopic(ctx context.Context, c SNSClient, stage, email string) (string, error) {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		stage = "dev"
	}

	ct, err := c.CreateTopic(ctx, &sns.CreateTopicInput{
		Name: aws.String(fmt.Sprintf("healthetl-run-alerts-%s", stage)),
	})
	if err != nil {
		return "", fmt.Errorf("create alerts topic: %w", err)
	}
	topicArn := aws.ToString(ct.TopicArn)

	email = strings.TrimSpace(email)
	if email != "" {
		_, err = c.Subscribe(ctx, &sns.SubscribeInput{
			TopicArn: aws.String(topicArn),
			Protocol: aws.String("email"),
			Endpoint: aws.String(email),
		})
		if err != nil {
			return "", fmt.Errorf("subscribe ops email: %w", err)
		}
	}
	return topicArn, nil
}

func PublishRunReport(ctx context.Context, c SNSClient, topicArn string, r RunReport) error {
	if strings.TrimSpace(topicArn) == "" {
		return nil
	}

	subject, body := buildMessage(r)
	_, err := c.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(topicArn),
		Subject:  aws.String(subject),
		Message:  aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("publish run report: %w", err)
	}
	return nil
}

func buildMessage(r RunReport) (subject, body string) {
	subject = fmt.Sprintf("HealthETL run %s: %s", r.RunID, r.Status)

	lines := []string{
		"HealthETL Pipeline Run",
		"",
		fmt.Sprintf("Run: %s", r.RunID),
		fmt.Sprintf("Status: %s", r.Status),
		fmt.Sprintf("Window: %s", r.Window),
		fmt.Sprintf("Extracted: %d (invalid: %d)", r.Extracted, r.Invalid),
		fmt.Sprintf("Loaded: %d", r.Loaded),
	}
	if r.Verified > 0 {
		lines = append(lines, fmt.Sprintf("Verified in Athena: %d", r.Verified))
	}
	if r.Error != "" {
		lines = append(lines, "", fmt.Sprintf("Error: %s", r.Error))
	}
	lines = append(lines, "", fmt.Sprintf("ReportedAt: %s", time.Now().UTC().Format(time.RFC3339)))

	body = strings.Join(lines, "\n")
	return subject, body
}
