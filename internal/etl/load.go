package etl

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
)

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Loader writes the curated dataset, extracts, and run metadata to the
// analytics bucket.
type Loader struct {
	s3     S3Client
	bucket string

	RecordsPrefix  string
	ExtractsPrefix string
	MetadataPrefix string
}

func NewLoader(client S3Client, bucket string) *Loader {
	return &Loader{
		s3:             client,
		bucket:         bucket,
		RecordsPrefix:  "records/",
		ExtractsPrefix: "extracts/",
		MetadataPrefix: "metadata/",
	}
}

// Partition identifies one (dt, county) slice of curated output.
type Partition struct {
	DT     string // YYYY-MM-DD
	County string // slug
}

// GroupByPartition splits curated rows by record date and county slug,
// matching the records/dt=.../county=.../ layout.
func GroupByPartition(rows []CuratedRow) map[Partition][]CuratedRow {
	groups := map[Partition][]CuratedRow{}
	for _, r := range rows {
		p := Partition{DT: r.RecordDate, County: CountySlug(r.County)}
		groups[p] = append(groups[p], r)
	}
	return groups
}

// SortedPartitions returns the partitions in a stable order so logs and
// manifests are deterministic.
func SortedPartitions(groups map[Partition][]CuratedRow) []Partition {
	parts := make([]Partition, 0, len(groups))
	for p := range groups {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].DT != parts[j].DT {
			return parts[i].DT < parts[j].DT
		}
		return parts[i].County < parts[j].County
	})
	return parts
}

// WriteCuratedPartition writes one parquet part file for a partition and
// returns its key.
func (l *Loader) WriteCuratedPartition(ctx context.Context, p Partition, rows []CuratedRow) (string, error) {
	key := PartitionKey(l.RecordsPrefix, p)

	data, err := marshalParquet(rows)
	if err != nil {
		return "", fmt.Errorf("parquet for %s: %w", key, err)
	}
	if err := l.put(ctx, key, data, "application/octet-stream"); err != nil {
		return "", err
	}
	return key, nil
}

// WriteExtract writes one CSV extract under its dt and returns the key.
func (l *Loader) WriteExtract(ctx context.Context, dt string, ex Extract) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(ex.Header); err != nil {
		return "", fmt.Errorf("csv header for %s: %w", ex.Name, err)
	}
	if err := w.WriteAll(ex.Records); err != nil {
		return "", fmt.Errorf("csv rows for %s: %w", ex.Name, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("csv flush for %s: %w", ex.Name, err)
	}

	key := fmt.Sprintf("%s%s/dt=%s/part-%s.csv", ensureTrailingSlash(l.ExtractsPrefix), ex.Name, dt, randHex(8))
	if err := l.put(ctx, key, buf.Bytes(), "text/csv"); err != nil {
		return "", err
	}
	return key, nil
}

// WriteManifest writes the run manifest JSON and returns the key.
func (l *Loader) WriteManifest(ctx context.Context, m RunManifest) (string, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	key := fmt.Sprintf("%srun-%s.json", ensureTrailingSlash(l.MetadataPrefix), m.RunID)
	if err := l.put(ctx, key, b, "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

func (l *Loader) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := l.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(l.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         s3types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

// marshalParquet writes rows through a tmp file; parquet-go's local writer
// is the path the rest of the toolchain (Glue/Athena) is known to read.
func marshalParquet(rows []CuratedRow) ([]byte, error) {
	localPath := filepath.Join(os.TempDir(), "curated_"+randHex(8)+".parquet")
	defer func() { _ = os.Remove(localPath) }()

	fw, err := local.NewLocalFileWriter(localPath)
	if err != nil {
		return nil, fmt.Errorf("parquet file writer: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(CuratedRow), 1)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.PageSize = 8 * 1024

	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return nil, fmt.Errorf("parquet write row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet write stop: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("parquet close: %w", err)
	}

	return os.ReadFile(localPath)
}

// PartitionKey builds the object key for one curated part file.
func PartitionKey(prefix string, p Partition) string {
	return fmt.Sprintf("%sdt=%s/county=%s/part-%s.parquet",
		ensureTrailingSlash(prefix), p.DT, p.County, randHex(8))
}

// CountySlug normalizes a county name for use in a partition path.
func CountySlug(county string) string {
	s := strings.ToLower(strings.TrimSpace(county))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r == ' ' || r == '-' || r == '_' || r == '.':
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func ensureTrailingSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

func randHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
