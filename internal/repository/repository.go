package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5"

	"sidecart/internal/models"
	"sidecart/internal/query"
)

// Querier is the part of query.Gate the repository reads through.
type Querier interface {
	Execute(ctx context.Context, statement string, params ...any) (query.Result, error)
	DescribeSchema(ctx context.Context, schema string) (query.Result, error)
	ListTables(ctx context.Context, schema string) (query.Result, error)
}

// Repository provides typed, read-only access to the database catalog.
type Repository struct {
	q      Querier
	logger *slog.Logger
}

func NewRepository(q Querier, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{q: q, logger: logger.With("component", "repository")}
}

// ListColumns returns every column of schema ordered by table and position.
func (r *Repository) ListColumns(ctx context.Context, schema string) ([]models.Column, error) {
	res, err := r.q.DescribeSchema(ctx, schema)
	if err != nil {
		return nil, err
	}

	cols := make([]models.Column, 0, res.Len())
	for _, row := range res.Rows {
		c := models.Column{
			TableName:  text(row, "table_name"),
			ColumnName: text(row, "column_name"),
			DataType:   text(row, "data_type"),
			Nullable:   text(row, "is_nullable") == "YES",
		}
		if v, ok := row.Get("column_default"); ok && !v.IsNull() {
			def := v.String()
			c.Default = &def
		}
		cols = append(cols, c)
	}

	r.logger.Debug("loaded columns", "schema", schemaName(schema), "count", len(cols))
	return cols, nil
}

// DescribeTables returns the base tables of schema with their columns.
func (r *Repository) DescribeTables(ctx context.Context, schema string) ([]models.Table, error) {
	cols, err := r.ListColumns(ctx, schema)
	if err != nil {
		return nil, err
	}
	return models.GroupColumns(schemaName(schema), cols), nil
}

// ListTables returns the base tables of schema by name.
func (r *Repository) ListTables(ctx context.Context, schema string) ([]models.Table, error) {
	res, err := r.q.ListTables(ctx, schema)
	if err != nil {
		return nil, err
	}

	tables := make([]models.Table, 0, res.Len())
	for _, row := range res.Rows {
		tables = append(tables, models.Table{Schema: schemaName(schema), Name: text(row, "table_name")})
	}

	r.logger.Debug("loaded tables", "schema", schemaName(schema), "count", len(tables))
	return tables, nil
}

// CountRows counts the rows of schema.table. Both names are quoted as
// identifiers and never interpolated raw.
func (r *Repository) CountRows(ctx context.Context, schema, table string) (int64, error) {
	stmt := "SELECT COUNT(*) AS row_count FROM " + pgx.Identifier{schemaName(schema), table}.Sanitize()
	res, err := r.q.Execute(ctx, stmt)
	if err != nil {
		return 0, err
	}
	if res.Len() != 1 {
		return 0, fmt.Errorf("count %s: got %d rows", table, res.Len())
	}
	v, _ := res.Rows[0].Get("row_count")
	n, ok := v.Int()
	if !ok {
		return 0, fmt.Errorf("count %s: unexpected %s value", table, v.Kind())
	}
	return n, nil
}

// TableCounts counts the rows of every base table in schema. A table that
// cannot be counted is left out and its error is included in the returned
// error; the other tables are still counted.
func (r *Repository) TableCounts(ctx context.Context, schema string) ([]models.TableCount, error) {
	tables, err := r.ListTables(ctx, schema)
	if err != nil {
		return nil, err
	}

	var (
		counts []models.TableCount
		errs   *multierror.Error
	)
	for _, t := range tables {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}
		n, err := r.CountRows(ctx, schema, t.Name)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("table %s: %w", t.Name, err))
			continue
		}
		counts = append(counts, models.TableCount{Table: t.Name, Rows: n})
	}
	return counts, errs.ErrorOrNil()
}

func schemaName(schema string) string {
	if schema == "" {
		return query.DefaultSchema
	}
	return schema
}

func text(row query.Row, col string) string {
	v, ok := row.Get(col)
	if !ok || v.IsNull() {
		return ""
	}
	return v.String()
}
