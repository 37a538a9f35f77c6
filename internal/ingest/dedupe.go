package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"healthetl/internal/db"
)

// ClaimMessage returns (isDuplicate, error). On duplicate the caller
// should ack the message and skip processing.
func ClaimMessage(ctx context.Context, ddb *dynamodb.Client, messageID, source string) (bool, error) {
	tbl := strings.TrimSpace(db.IngestDedupeTableName())
	if tbl == "" {
		// If not configured, don't block processing
		return false, nil
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return false, nil
	}

	// TTL: keep dedupe records for 7 days
	exp := time.Now().UTC().Add(7 * 24 * time.Hour).Unix()

	_, err := ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(tbl),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: fmt.Sprintf("MSG#%s", messageID)},
			"Source":    &types.AttributeValueMemberS{Value: source},
			"CreatedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			"ExpiresAt": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", exp)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})

	if err != nil {
		// Conditional check failed => already processed
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return true, nil
		}
		return false, err
	}

	return false, nil
}
