package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
)

type GlueClient interface {
	GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error)
}

// TableSchema is the live Glue definition of the curated records table.
type TableSchema struct {
	Database   string
	Table      string
	Location   string
	Columns    []Column
	Partitions []Column
}

type Column struct {
	Name string
	Type string
}

func LoadTableSchema(ctx context.Context, c GlueClient, database, table string) (*TableSchema, error) {
	out, err := c.GetTable(ctx, &glue.GetTableInput{
		DatabaseName: aws.String(database),
		Name:         aws.String(table),
	})
	if err != nil {
		return nil, fmt.Errorf("glue GetTable %s.%s: %w", database, table, err)
	}

	ti := out.Table
	sd := ti.StorageDescriptor

	schema := &TableSchema{
		Database: database,
		Table:    aws.ToString(ti.Name),
		Location: aws.ToString(sd.Location),
	}

	for _, col := range sd.Columns {
		schema.Columns = append(schema.Columns, Column{
			Name: strings.ToLower(aws.ToString(col.Name)),
			Type: strings.ToLower(aws.ToString(col.Type)),
		})
	}
	for _, p := range ti.PartitionKeys {
		schema.Partitions = append(schema.Partitions, Column{
			Name: strings.ToLower(aws.ToString(p.Name)),
			Type: strings.ToLower(aws.ToString(p.Type)),
		})
	}

	// Stable ordering keeps prompt/cache hashes stable across runs.
	sort.Slice(schema.Columns, func(i, j int) bool { return schema.Columns[i].Name < schema.Columns[j].Name })
	sort.Slice(schema.Partitions, func(i, j int) bool { return schema.Partitions[i].Name < schema.Partitions[j].Name })

	return schema, nil
}

// HasColumn reports whether the table carries the named (non-partition) column.
func (s *TableSchema) HasColumn(name string) bool {
	name = strings.ToLower(name)
	for _, c := range s.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// CompactText renders the schema as a prompt-ready block:
//
//	DATABASE health_analytics
//	TABLE curated_records ( ... )
//	PARTITIONED BY (dt date, county string)
//	LOCATION s3://...
func (s *TableSchema) CompactText() string {
	var b strings.Builder

	fmt.Fprintf(&b, "DATABASE %s\n", s.Database)
	fmt.Fprintf(&b, "TABLE %s (\n", s.Table)
	for i, c := range s.Columns {
		comma := ","
		if i == len(s.Columns)-1 {
			comma = ""
		}
		fmt.Fprintf(&b, "  %s %s%s\n", c.Name, c.Type, comma)
	}
	b.WriteString(")\n")

	if len(s.Partitions) > 0 {
		b.WriteString("PARTITIONED BY (")
		for i, p := range s.Partitions {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s %s", p.Name, p.Type)
		}
		b.WriteString(")\n")
	}

	if s.Location != "" {
		fmt.Fprintf(&b, "LOCATION %s\n", s.Location)
	}
	return b.String()
}
