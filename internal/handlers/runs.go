package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	"healthetl/internal/db"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type RunItem struct {
	PK string `dynamodbav:"PK" json:"-"`
	SK string `dynamodbav:"SK" json:"-"`

	RunID     string `dynamodbav:"RunId" json:"runId"`
	Status    string `dynamodbav:"Status" json:"status"`
	StartedAt string `dynamodbav:"StartedAt" json:"startedAt"`
	Loaded    int64  `dynamodbav:"Loaded" json:"loaded"`
	Invalid   int64  `dynamodbav:"Invalid" json:"invalid"`
	Payload   string `dynamodbav:"Payload" json:"-"`
}

// Runs lists pipeline runs, newest first. ?limit=N caps the page,
// ?nextToken= continues it, ?expand=1 inlines the full manifest payload.
func Runs(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	table := db.RunsTableName()
	if strings.TrimSpace(table) == "" {
		return jsonErr(500, "ETL_RUNS_TABLE is not set", nil), nil
	}

	if req.RequestContext.HTTP.Method != "GET" {
		return jsonErr(405, "method not allowed", nil), nil
	}

	client, err := db.NewDynamoClient(ctx)
	if err != nil {
		return jsonErr(500, "failed to init dynamodb", nil), nil
	}

	limit := int32(20)
	if s := strings.TrimSpace(req.QueryStringParameters["limit"]); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = int32(n)
		}
	}

	var eks map[string]types.AttributeValue
	if token := strings.TrimSpace(req.QueryStringParameters["nextToken"]); token != "" {
		eks, err = DecodeNextToken(token)
		if err != nil {
			return jsonErr(400, "invalid nextToken", nil), nil
		}
	}

	out, err := client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "RUN"},
		},
		ScanIndexForward:  aws.Bool(false),
		Limit:             aws.Int32(limit),
		ExclusiveStartKey: eks,
	})
	if err != nil {
		return jsonErr(500, "query failed", nil), nil
	}

	var items []RunItem
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return jsonErr(500, "unmarshal failed", nil), nil
	}

	expand := strings.TrimSpace(req.QueryStringParameters["expand"]) == "1"
	runs := make([]map[string]any, 0, len(items))
	for _, it := range items {
		m := map[string]any{
			"runId":     it.RunID,
			"status":    it.Status,
			"startedAt": it.StartedAt,
			"loaded":    it.Loaded,
			"invalid":   it.Invalid,
		}
		if expand && it.Payload != "" {
			var full map[string]any
			if err := json.Unmarshal([]byte(it.Payload), &full); err == nil {
				m["manifest"] = full
			}
		}
		runs = append(runs, m)
	}

	return jsonOK(map[string]any{
		"items":     runs,
		"nextToken": EncodeNextToken(out.LastEvaluatedKey),
	}), nil
}

// EncodeNextToken packs a LastEvaluatedKey of string attributes into a
// base64url token the client can hand back verbatim.
func EncodeNextToken(lek map[string]types.AttributeValue) string {
	if len(lek) == 0 {
		return ""
	}
	m := map[string]map[string]string{}
	for k, av := range lek {
		if s, ok := av.(*types.AttributeValueMemberS); ok {
			m[k] = map[string]string{"S": s.Value}
		}
	}
	b, _ := json.Marshal(m)
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeNextToken(token string) (map[string]types.AttributeValue, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	var m map[string]map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	eks := map[string]types.AttributeValue{}
	for k, v := range m {
		if v["S"] != "" {
			eks[k] = &types.AttributeValueMemberS{Value: v["S"]}
		}
	}
	return eks, nil
}
