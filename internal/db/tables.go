package db

import "os"

func StagingRecordsTableName() string {
	return os.Getenv("STAGING_RECORDS_TABLE")
}

func RunsTableName() string {
	return os.Getenv("ETL_RUNS_TABLE")
}

func IngestDedupeTableName() string {
	return os.Getenv("INGEST_DEDUPE_TABLE")
}

func NLQCacheTableName() string {
	return os.Getenv("NLQ_CACHE_TABLE")
}
