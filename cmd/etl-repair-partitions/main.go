package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/athena"

	"healthetl/internal/catalog"
)

// Scheduled fallback for partition discovery: the ETL run repairs after
// every load, but out-of-band backfills (manual S3 copies) still need a
// periodic MSCK sweep.
func handler(ctx context.Context, _ events.CloudWatchEvent) (map[string]any, error) {
	table := strings.TrimSpace(os.Getenv("CURATED_TABLE"))
	if table == "" {
		return nil, fmt.Errorf("missing env CURATED_TABLE")
	}

	opt := catalog.QueryOptions{
		Database:       strings.TrimSpace(os.Getenv("GLUE_DATABASE")),
		Workgroup:      strings.TrimSpace(os.Getenv("ATHENA_WORKGROUP")),
		OutputLocation: strings.TrimSpace(os.Getenv("ATHENA_OUTPUT_S3")),
		MaxWait:        4 * time.Minute,
		PollInterval:   2 * time.Second,
	}
	if opt.Database == "" {
		return nil, fmt.Errorf("missing env GLUE_DATABASE")
	}
	if opt.OutputLocation == "" {
		return nil, fmt.Errorf("missing env ATHENA_OUTPUT_S3")
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := athena.NewFromConfig(cfg)

	qid, err := catalog.RepairPartitions(ctx, client, table, opt)
	if err != nil {
		return nil, err
	}
	log.Printf("repair-partitions: table=%s qid=%s", table, qid)

	return map[string]any{
		"ok":       true,
		"table":    table,
		"query_id": qid,
	}, nil
}

func main() {
	lambda.Start(handler)
}
