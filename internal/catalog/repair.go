package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RepairPartitions runs MSCK REPAIR TABLE so partitions written by the
// loader (dt=YYYY-MM-DD/county=...) become visible to Athena and the Glue
// catalog. Returns the query execution id.
func RepairPartitions(ctx context.Context, c AthenaClient, table string, opt QueryOptions) (string, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return "", fmt.Errorf("missing table name")
	}
	if opt.MaxWait == 0 {
		opt.MaxWait = 2 * time.Minute
	}
	if opt.PollInterval == 0 {
		opt.PollInterval = 2 * time.Second
	}

	res, err := RunQuery(ctx, c, fmt.Sprintf("MSCK REPAIR TABLE %s", table), opt)
	if err != nil {
		return "", fmt.Errorf("repair partitions on %s: %w", table, err)
	}
	return res.QueryExecutionID, nil
}

// CountPartitionRows verifies a load by counting curated rows in one dt
// partition. Used as the post-load integrity check.
func CountPartitionRows(ctx context.Context, c AthenaClient, table, dt string, opt QueryOptions) (int64, error) {
	sql := fmt.Sprintf("SELECT COUNT(*) AS n FROM %s WHERE dt = date '%s'", table, dt)

	res, err := RunQuery(ctx, c, sql, opt)
	if err != nil {
		return 0, fmt.Errorf("count partition dt=%s: %w", dt, err)
	}
	if len(res.Rows) == 0 {
		return 0, fmt.Errorf("count partition dt=%s: empty result", dt)
	}
	n, ok := res.Rows[0]["n"].(int64)
	if !ok {
		return 0, fmt.Errorf("count partition dt=%s: unexpected result %v", dt, res.Rows[0]["n"])
	}
	return n, nil
}
