package etl

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	keys   []string
	bodies map[string]string
	types  map[string]string
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.bodies == nil {
		f.bodies = map[string]string{}
		f.types = map[string]string{}
	}
	key := aws.ToString(params.Key)
	raw, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.keys = append(f.keys, key)
	f.bodies[key] = string(raw)
	f.types[key] = aws.ToString(params.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func TestCountySlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Albany", "albany"},
		{"St. Lawrence", "st-lawrence"},
		{"NEW YORK", "new-york"},
		{"  Erie  ", "erie"},
		{"a_b-c d", "a-b-c-d"},
		{"--weird--", "weird"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, CountySlug(tt.in), "input %q", tt.in)
	}
}

func TestPartitionKey(t *testing.T) {
	key := PartitionKey("records", Partition{DT: "2026-08-14", County: "albany"})
	require.True(t, strings.HasPrefix(key, "records/dt=2026-08-14/county=albany/part-"), key)
	require.True(t, strings.HasSuffix(key, ".parquet"))
}

func TestPartitionKeysAreUnique(t *testing.T) {
	p := Partition{DT: "2026-08-14", County: "albany"}
	require.NotEqual(t, PartitionKey("records/", p), PartitionKey("records/", p))
}

func TestGroupByPartition(t *testing.T) {
	rows := []CuratedRow{
		{RecordDate: "2026-08-14", County: "Albany"},
		{RecordDate: "2026-08-14", County: "Albany"},
		{RecordDate: "2026-08-14", County: "St. Lawrence"},
		{RecordDate: "2026-08-15", County: "Albany"},
	}

	groups := GroupByPartition(rows)
	require.Len(t, groups, 3)
	require.Len(t, groups[Partition{DT: "2026-08-14", County: "albany"}], 2)
	require.Len(t, groups[Partition{DT: "2026-08-14", County: "st-lawrence"}], 1)

	parts := SortedPartitions(groups)
	require.Equal(t, []Partition{
		{DT: "2026-08-14", County: "albany"},
		{DT: "2026-08-14", County: "st-lawrence"},
		{DT: "2026-08-15", County: "albany"},
	}, parts)
}

func TestWriteExtract(t *testing.T) {
	fake := &fakeS3{}
	l := NewLoader(fake, "analytics")

	ex := Extract{
		Name:    "regional",
		Header:  []string{"County", "Admissions"},
		Records: [][]string{{"Albany", "42"}},
	}

	key, err := l.WriteExtract(context.Background(), "2026-08-14", ex)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "extracts/regional/dt=2026-08-14/part-"), key)
	require.True(t, strings.HasSuffix(key, ".csv"))

	require.Equal(t, "text/csv", fake.types[key])
	require.Equal(t, "County,Admissions\nAlbany,42\n", fake.bodies[key])
}

func TestWriteManifest(t *testing.T) {
	fake := &fakeS3{}
	l := NewLoader(fake, "analytics")

	m := RunManifest{RunID: "20260814-060000-ab12cd34", Status: RunSucceeded, Loaded: 7}
	key, err := l.WriteManifest(context.Background(), m)
	require.NoError(t, err)
	require.Equal(t, "metadata/run-20260814-060000-ab12cd34.json", key)

	body := fake.bodies[key]
	require.Contains(t, body, `"run_id": "20260814-060000-ab12cd34"`)
	require.Contains(t, body, `"loaded": 7`)
	require.Equal(t, "application/json", fake.types[key])
}

func TestEnsureTrailingSlash(t *testing.T) {
	require.Equal(t, "records/", ensureTrailingSlash("records"))
	require.Equal(t, "records/", ensureTrailingSlash("records/"))
	require.Equal(t, "", ensureTrailingSlash(""))
}
