package ingest

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"healthetl/internal/security"
)

type fakeStagedStore struct {
	pages map[string][]*dynamodb.QueryOutput // by partition key value
	calls []string
}

func (f *fakeStagedStore) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	pk := params.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	f.calls = append(f.calls, pk)

	pages := f.pages[pk]
	if len(pages) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := pages[0]
	f.pages[pk] = pages[1:]
	return out, nil
}

func stagedTestKeyring(t *testing.T) *security.Keyring {
	t.Helper()
	k := make([]byte, 32)
	for i := range k {
		k[i] = 9
	}
	kr, err := security.NewKeyring(base64.StdEncoding.EncodeToString(k))
	require.NoError(t, err)
	return kr
}

func stagedItem(t *testing.T, kr *security.Keyring, patientID, payload string) map[string]types.AttributeValue {
	t.Helper()
	sealed, err := kr.Seal(patientID)
	require.NoError(t, err)
	return map[string]types.AttributeValue{
		"EncPatientId": &types.AttributeValueMemberS{Value: sealed},
		"Payload":      &types.AttributeValueMemberS{Value: payload},
	}
}

func TestLoadStagedWindowRestoresPatientIDs(t *testing.T) {
	t.Setenv("STAGING_RECORDS_TABLE", "staging")
	kr := stagedTestKeyring(t)

	store := &fakeStagedStore{pages: map[string][]*dynamodb.QueryOutput{
		"REC#2026-08-20": {{
			Items: []map[string]types.AttributeValue{
				stagedItem(t, kr, "P001", `{"record_date":"2026-08-20","county":"Albany","condition":"Diabetes","age":"70"}`),
			},
		}},
		"REC#2026-08-21": {{
			Items: []map[string]types.AttributeValue{
				stagedItem(t, kr, "P002", `{"county":"Erie","condition":"Asthma","age":"31"}`),
			},
		}},
	}}

	start := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC)
	recs, err := LoadStagedWindow(context.Background(), store, kr, start, end)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	require.Equal(t, []string{"REC#2026-08-20", "REC#2026-08-21"}, store.calls)

	require.Equal(t, "P001", recs[0].PatientID)
	require.Equal(t, "Albany", recs[0].County)
	require.Equal(t, "2026-08-20", recs[0].RecordDate)

	// Payloads without a record_date fall back to the partition day.
	require.Equal(t, "P002", recs[1].PatientID)
	require.Equal(t, "2026-08-21", recs[1].RecordDate)
}

func TestLoadStagedWindowFollowsPagination(t *testing.T) {
	t.Setenv("STAGING_RECORDS_TABLE", "staging")
	kr := stagedTestKeyring(t)

	store := &fakeStagedStore{pages: map[string][]*dynamodb.QueryOutput{
		"REC#2026-08-20": {
			{
				Items: []map[string]types.AttributeValue{
					stagedItem(t, kr, "P001", `{"record_date":"2026-08-20"}`),
				},
				LastEvaluatedKey: map[string]types.AttributeValue{
					"SK": &types.AttributeValueMemberS{Value: "abc"},
				},
			},
			{
				Items: []map[string]types.AttributeValue{
					stagedItem(t, kr, "P002", `{"record_date":"2026-08-20"}`),
				},
			},
		},
	}}

	start := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	recs, err := LoadStagedWindow(context.Background(), store, kr, start, end)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, []string{"REC#2026-08-20", "REC#2026-08-20"}, store.calls)
}

func TestLoadStagedWindowSkipsUndecodableItems(t *testing.T) {
	t.Setenv("STAGING_RECORDS_TABLE", "staging")
	kr := stagedTestKeyring(t)

	store := &fakeStagedStore{pages: map[string][]*dynamodb.QueryOutput{
		"REC#2026-08-20": {{
			Items: []map[string]types.AttributeValue{
				{"Payload": &types.AttributeValueMemberS{Value: `{}`}}, // no sealed id
				{
					"EncPatientId": &types.AttributeValueMemberS{Value: "AAAA"}, // garbage ciphertext
					"Payload":      &types.AttributeValueMemberS{Value: `{}`},
				},
				stagedItem(t, kr, "P003", `{"record_date":"2026-08-20"}`),
			},
		}},
	}}

	start := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	recs, err := LoadStagedWindow(context.Background(), store, kr, start, start.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "P003", recs[0].PatientID)
}

func TestLoadStagedWindowNoTableIsNoop(t *testing.T) {
	t.Setenv("STAGING_RECORDS_TABLE", "")
	store := &fakeStagedStore{}

	start := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	recs, err := LoadStagedWindow(context.Background(), store, stagedTestKeyring(t), start, start.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Nil(t, recs)
	require.Empty(t, store.calls)
}
