package etl

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"healthetl/internal/alerts"
	"healthetl/internal/catalog"
	"healthetl/internal/config"
	"healthetl/internal/db"
	"healthetl/internal/deid"
	"healthetl/internal/ingest"
	"healthetl/internal/secrets"
	"healthetl/internal/security"
	"healthetl/internal/soda"
)

// Pipeline is the scheduled extract-transform-load job.
type Pipeline struct {
	s3c *s3.Client
	ddb *dynamodb.Client
	ath *athena.Client
	glu *glue.Client
	sn  *sns.Client
	sm  *ssm.Client

	now func() time.Time
}

func NewPipeline(cfg aws.Config) *Pipeline {
	return &Pipeline{
		s3c: s3.NewFromConfig(cfg),
		ddb: dynamodb.NewFromConfig(cfg),
		ath: athena.NewFromConfig(cfg),
		glu: glue.NewFromConfig(cfg),
		sn:  sns.NewFromConfig(cfg),
		sm:  ssm.NewFromConfig(cfg),
		now: time.Now,
	}
}

type runEnv struct {
	bucket         string
	recordsPrefix  string
	extractsPrefix string
	metadataPrefix string

	glueDB       string
	curatedTable string
	workgroup    string
	athenaOutput string

	runsTable  string
	alertsArn  string
	opsEmail   string
	alertStage string

	sodaBase  string
	datasetID string

	loc      *time.Location
	daysBack int
}

// Handle is triggered by the EventBridge schedule.
//
// Env:
// - ANALYTICS_BUCKET (required)
// - RECORDS_PREFIX / EXTRACTS_PREFIX / METADATA_PREFIX (defaults records/, extracts/, metadata/)
// - GLUE_DATABASE, CURATED_TABLE (required)
// - ATHENA_OUTPUT_S3 (required), ATHENA_WORKGROUP (default "primary")
// - ETL_RUNS_TABLE (optional; run summaries skipped when unset)
// - RUN_ALERTS_TOPIC_ARN or OPS_ALERT_EMAIL (+ ALERTS_STAGE) for reports
// - SODA_BASE_URL (default https://health.data.ny.gov), SODA_DATASET_ID
// - SODA_APP_TOKEN_PARAM, PHI_SALT_PARAM (SSM parameter names; salt required)
// - STAGING_RECORDS_TABLE + RECORDS_ENC_KEY_PARAM (optional; staged incremental records merged when both set)
// - ETL_TIMEZONE (default "America/New_York"), ETL_DAYS_BACK (default "1")
func (p *Pipeline) Handle(ctx context.Context, _ events.CloudWatchEvent) (map[string]any, error) {
	pcfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	env, err := loadRunEnv(pcfg)
	if err != nil {
		return nil, err
	}

	started := p.now()
	m := RunManifest{
		RunID:         NewRunID(started),
		StartedAt:     started.UTC().Format(time.RFC3339),
		PHITreatments: deid.PHIFields(),
	}

	runErr := p.run(ctx, env, pcfg, &m)

	m.FinishedAt = p.now().UTC().Format(time.RFC3339)
	if runErr != nil {
		m.Status = RunFailed
		m.Error = runErr.Error()
	} else {
		m.Status = RunSucceeded
	}

	// Manifest, run item, and report are best-effort on a failed run; the
	// run error is what the invocation surfaces.
	loader := p.loader(env)
	if key, err := loader.WriteManifest(ctx, m); err != nil {
		log.Printf("etl-run %s: write manifest failed: %v", m.RunID, err)
	} else {
		log.Printf("etl-run %s: manifest at %s", m.RunID, key)
	}
	if env.runsTable != "" {
		if err := SaveRun(ctx, p.ddb, env.runsTable, m); err != nil {
			log.Printf("etl-run %s: save run item failed: %v", m.RunID, err)
		}
	}
	if err := p.report(ctx, env, m); err != nil {
		log.Printf("etl-run %s: publish report failed: %v", m.RunID, err)
	}

	if runErr != nil {
		return nil, runErr
	}
	return map[string]any{
		"ok":         true,
		"run_id":     m.RunID,
		"extracted":  m.Extracted,
		"invalid":    m.Invalid,
		"loaded":     m.Loaded,
		"partitions": m.Partitions,
		"verified":   m.VerifiedRows,
	}, nil
}

func (p *Pipeline) run(ctx context.Context, env runEnv, pcfg config.Pipeline, m *RunManifest) error {
	salt, err := secrets.GetByEnv(ctx, p.sm, "PHI_SALT_PARAM")
	if err != nil {
		return err
	}
	pseud, err := deid.NewPseudonymizer(salt)
	if err != nil {
		return fmt.Errorf("PHI_SALT_PARAM: %w", err)
	}
	appToken, err := secrets.GetByEnv(ctx, p.sm, "SODA_APP_TOKEN_PARAM")
	if err != nil {
		return err
	}

	now := p.now().In(env.loc)
	windowStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, env.loc).AddDate(0, 0, -(env.daysBack - 1))
	m.WindowStart = windowStart.UTC().Format(time.RFC3339)
	m.WindowEnd = now.UTC().Format(time.RFC3339)

	client := soda.NewClient(env.sodaBase, env.datasetID, appToken)
	client.PageSize = pcfg.PageSize

	log.Printf("etl-run %s: extracting %s [%s, %s)", m.RunID, env.datasetID, m.WindowStart, m.WindowEnd)
	raws, err := client.FetchWindow(ctx, windowStart, now)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	staged, err := p.loadStaged(ctx, windowStart, now)
	if err != nil {
		return err
	}
	if len(staged) > 0 {
		m.Staged = len(staged)
		raws = append(raws, staged...)
		log.Printf("etl-run %s: merged %d staged incremental records", m.RunID, len(staged))
	}

	recs, pstats := ParseRaw(raws)
	m.Extracted = pstats.Input
	m.Invalid = pstats.Invalid
	if err := checkInvalidRatio(pstats, pcfg.MaxInvalidRatio); err != nil {
		return err
	}
	log.Printf("etl-run %s: extracted %d records, %d invalid", m.RunID, pstats.Input, pstats.Invalid)

	// Raw ids stop here.
	for i := range recs {
		recs[i].PatientKey = pseud.Key(recs[i].PatientID)
		recs[i].PatientID = ""
	}

	// Staged records overlap the API window, so resubmissions collapse
	// to one row before anything lands in curated storage.
	recs, dup := DedupeRecords(recs)
	if dup > 0 {
		m.Duplicates = dup
		log.Printf("etl-run %s: dropped %d resubmitted records", m.RunID, dup)
	}

	rows, tstats := Transform(recs, pcfg)
	m.Loaded = len(rows)
	m.ImputedLOS = tstats.ImputedLOS
	m.ImputedCost = tstats.ImputedCost
	m.Summary = Summarize(rows, 5)
	log.Printf("etl-run %s: transformed %d rows (imputed los=%d cost=%d, high-cost threshold=%.2f)",
		m.RunID, len(rows), tstats.ImputedLOS, tstats.ImputedCost, tstats.HighCostThreshold)

	if len(rows) == 0 {
		log.Printf("etl-run %s: nothing to load", m.RunID)
		return nil
	}

	schema, err := catalog.LoadTableSchema(ctx, p.glu, env.glueDB, env.curatedTable)
	if err != nil {
		return err
	}
	for _, col := range CuratedColumns() {
		if !schema.HasColumn(col) {
			return fmt.Errorf("glue table %s.%s is missing column %s", env.glueDB, env.curatedTable, col)
		}
	}

	loader := p.loader(env)
	groups := GroupByPartition(rows)
	for _, part := range SortedPartitions(groups) {
		key, err := loader.WriteCuratedPartition(ctx, part, groups[part])
		if err != nil {
			return fmt.Errorf("load dt=%s county=%s: %w", part.DT, part.County, err)
		}
		m.PartFiles = append(m.PartFiles, key)
	}
	m.Partitions = len(groups)
	log.Printf("etl-run %s: loaded %d rows into %d partitions", m.RunID, len(rows), len(groups))

	runDT := now.Format("2006-01-02")
	for _, ex := range BuildExtracts(rows, pcfg) {
		key, err := loader.WriteExtract(ctx, runDT, ex)
		if err != nil {
			return fmt.Errorf("extract %s: %w", ex.Name, err)
		}
		m.ExtractFiles = append(m.ExtractFiles, key)
	}

	qopt := catalog.QueryOptions{
		Database:       env.glueDB,
		Workgroup:      env.workgroup,
		OutputLocation: env.athenaOutput,
	}
	if _, err := catalog.RepairPartitions(ctx, p.ath, env.curatedTable, qopt); err != nil {
		return err
	}

	verified, err := p.verify(ctx, env, groups, qopt)
	if err != nil {
		return err
	}
	m.VerifiedRows = verified
	if verified < int64(m.Loaded) {
		return fmt.Errorf("verify: athena sees %d rows across loaded partitions, expected at least %d", verified, m.Loaded)
	}
	log.Printf("etl-run %s: verified %d rows in athena", m.RunID, verified)

	return nil
}

// checkInvalidRatio fails the run when too many rows in the batch were
// malformed. An empty batch passes; emptiness is handled downstream.
func checkInvalidRatio(stats ParseStats, maxRatio float64) error {
	if stats.Input == 0 {
		return nil
	}
	ratio := float64(stats.Invalid) / float64(stats.Input)
	if ratio > maxRatio {
		return fmt.Errorf("validate: %d of %d records invalid (%.2f%% > %.2f%% allowed)",
			stats.Invalid, stats.Input, ratio*100, maxRatio*100)
	}
	return nil
}

// loadStaged reads incremental records staged by the records worker when
// staging is configured (both STAGING_RECORDS_TABLE and
// RECORDS_ENC_KEY_PARAM set). Sealed patient ids are restored so staged
// rows pseudonymize the same way API rows do.
func (p *Pipeline) loadStaged(ctx context.Context, start, end time.Time) ([]soda.RawRecord, error) {
	if strings.TrimSpace(db.StagingRecordsTableName()) == "" {
		return nil, nil
	}
	key, err := secrets.GetByEnv(ctx, p.sm, "RECORDS_ENC_KEY_PARAM")
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, nil
	}
	kr, err := security.NewKeyring(key)
	if err != nil {
		return nil, fmt.Errorf("staging keyring: %w", err)
	}
	recs, err := ingest.LoadStagedWindow(ctx, p.ddb, kr, start, end)
	if err != nil {
		return nil, fmt.Errorf("load staged records: %w", err)
	}
	return recs, nil
}

// verify counts curated rows per loaded dt partition. Partitions may carry
// part files from earlier runs, so the check is a lower bound.
func (p *Pipeline) verify(ctx context.Context, env runEnv, groups map[Partition][]CuratedRow, qopt catalog.QueryOptions) (int64, error) {
	days := map[string]bool{}
	for part := range groups {
		days[part.DT] = true
	}

	var total int64
	for dt := range days {
		n, err := catalog.CountPartitionRows(ctx, p.ath, env.curatedTable, dt, qopt)
		if err != nil {
			return 0, fmt.Errorf("verify: %w", err)
		}
		total += n
	}
	return total, nil
}

func (p *Pipeline) report(ctx context.Context, env runEnv, m RunManifest) error {
	topicArn := env.alertsArn
	if topicArn == "" && env.opsEmail != "" {
		arn, err := alerts.EnsureOpsTopic(ctx, p.sn, env.alertStage, env.opsEmail)
		if err != nil {
			return err
		}
		topicArn = arn
	}

	return alerts.PublishRunReport(ctx, p.sn, topicArn, alerts.RunReport{
		RunID:     m.RunID,
		Status:    m.Status,
		Window:    fmt.Sprintf("%s .. %s", m.WindowStart, m.WindowEnd),
		Extracted: m.Extracted,
		Invalid:   m.Invalid,
		Loaded:    m.Loaded,
		Verified:  m.VerifiedRows,
		Error:     m.Error,
	})
}

func (p *Pipeline) loader(env runEnv) *Loader {
	l := NewLoader(p.s3c, env.bucket)
	l.RecordsPrefix = env.recordsPrefix
	l.ExtractsPrefix = env.extractsPrefix
	l.MetadataPrefix = env.metadataPrefix
	return l
}

func loadRunEnv(pcfg config.Pipeline) (runEnv, error) {
	env := runEnv{
		bucket:         strings.TrimSpace(os.Getenv("ANALYTICS_BUCKET")),
		recordsPrefix:  envDefault("RECORDS_PREFIX", "records/"),
		extractsPrefix: envDefault("EXTRACTS_PREFIX", "extracts/"),
		metadataPrefix: envDefault("METADATA_PREFIX", "metadata/"),
		glueDB:         strings.TrimSpace(os.Getenv("GLUE_DATABASE")),
		curatedTable:   strings.TrimSpace(os.Getenv("CURATED_TABLE")),
		workgroup:      envDefault("ATHENA_WORKGROUP", "primary"),
		athenaOutput:   strings.TrimSpace(os.Getenv("ATHENA_OUTPUT_S3")),
		runsTable:      strings.TrimSpace(os.Getenv("ETL_RUNS_TABLE")),
		alertsArn:      strings.TrimSpace(os.Getenv("RUN_ALERTS_TOPIC_ARN")),
		opsEmail:       strings.TrimSpace(os.Getenv("OPS_ALERT_EMAIL")),
		alertStage:     envDefault("ALERTS_STAGE", "dev"),
		sodaBase:       envDefault("SODA_BASE_URL", "https://health.data.ny.gov"),
		datasetID:      envDefault("SODA_DATASET_ID", pcfg.DatasetID),
	}

	if env.bucket == "" {
		return env, fmt.Errorf("missing env ANALYTICS_BUCKET")
	}
	if env.glueDB == "" {
		return env, fmt.Errorf("missing env GLUE_DATABASE")
	}
	if env.curatedTable == "" {
		return env, fmt.Errorf("missing env CURATED_TABLE")
	}
	if env.athenaOutput == "" {
		return env, fmt.Errorf("missing env ATHENA_OUTPUT_S3")
	}
	if !strings.HasPrefix(env.athenaOutput, "s3://") {
		return env, fmt.Errorf("ATHENA_OUTPUT_S3 must start with s3://")
	}
	if env.datasetID == "" {
		return env, fmt.Errorf("missing dataset id (SODA_DATASET_ID or pipeline config)")
	}

	tzName := envDefault("ETL_TIMEZONE", "America/New_York")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return env, fmt.Errorf("load timezone %s: %w", tzName, err)
	}
	env.loc = loc

	env.daysBack = 1
	if v := strings.TrimSpace(os.Getenv("ETL_DAYS_BACK")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 90 {
			env.daysBack = n
		}
	}

	return env, nil
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
