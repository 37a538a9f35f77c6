package alerts

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/require"
)

type fakeSNS struct {
	createdName string
	subscribed  string
	published   *sns.PublishInput
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.published = params
	return &sns.PublishOutput{}, nil
}

func (f *fakeSNS) CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error) {
	f.createdName = aws.ToString(params.Name)
	return &sns.CreateTopicOutput{TopicArn: aws.String("arn:aws:sns:us-east-1:123:" + f.createdName)}, nil
}

func (f *fakeSNS) Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error) {
	f.subscribed = aws.ToString(params.Endpoint)
	return &sns.SubscribeOutput{}, nil
}

func TestEnsureOpsTopic(t *testing.T) {
	f := &fakeSNS{}

	arn, err := EnsureOpsTopic(context.Background(), f, "prod", "ops@example.org")
	require.NoError(t, err)
	require.Equal(t, "healthetl-run-alerts-prod", f.createdName)
	require.Contains(t, arn, f.createdName)
	require.Equal(t, "ops@example.org", f.subscribed)
}

func TestEnsureOpsTopicDefaultsStage(t *testing.T) {
	f := &fakeSNS{}

	_, err := EnsureOpsTopic(context.Background(), f, "", "")
	require.NoError(t, err)
	require.Equal(t, "healthetl-run-alerts-dev", f.createdName)
	require.Empty(t, f.subscribed)
}

func TestPublishRunReport(t *testing.T) {
	f := &fakeSNS{}
	r := RunReport{
		RunID:     "20260823-063000-ab12cd34",
		Status:    "failed",
		Window:    "2026-08-22T04:00:00Z .. 2026-08-23T04:00:00Z",
		Extracted: 100,
		Invalid:   2,
		Loaded:    98,
		Error:     "verify: athena sees 0 rows",
	}

	require.NoError(t, PublishRunReport(context.Background(), f, "arn:topic", r))
	require.NotNil(t, f.published)
	require.Equal(t, "HealthETL run 20260823-063000-ab12cd34: failed", aws.ToString(f.published.Subject))

	body := aws.ToString(f.published.Message)
	require.Contains(t, body, "Extracted: 100 (invalid: 2)")
	require.Contains(t, body, "Error: verify: athena sees 0 rows")
}

func TestPublishRunReportNoTopicIsNoop(t *testing.T) {
	f := &fakeSNS{}
	require.NoError(t, PublishRunReport(context.Background(), f, "  ", RunReport{}))
	require.Nil(t, f.published)
}
