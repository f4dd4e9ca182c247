// Package sqltool is a read-only SQL data-access tool over database/sql.
// Statements reference the caller tenant as :tenant; the executor's safety
// check guarantees the statement is a single read.
package sqltool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/tool"
)

// StatementParam is the parameter holding the SQL text
const StatementParam = "statement"

// TenantArg is the named argument bound to the caller tenant
const TenantArg = "tenant"

// Tool runs read statements against one database
type Tool struct {
	id           string
	db           *sql.DB
	tenantColumn string
	params       []string
	logger       core.Logger
}

// Option configures a Tool
type Option func(*Tool)

// WithLogger sets the logger
func WithLogger(logger core.Logger) Option {
	return func(t *Tool) {
		t.logger = core.ComponentLogger(logger, "sqltool")
	}
}

// WithTenantColumn marks the tool tenant scoped on column
func WithTenantColumn(column string) Option {
	return func(t *Tool) {
		t.tenantColumn = column
	}
}

// WithParams declares extra named arguments statements may reference
func WithParams(names ...string) Option {
	return func(t *Tool) {
		t.params = append(t.params, names...)
	}
}

// New wraps an open database
func New(id string, db *sql.DB, opts ...Option) *Tool {
	t := &Tool{id: id, db: db, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open opens the configured DSN with the sqlite driver and pings it
func Open(ctx context.Context, cfg core.SQLToolConfig, opts ...Option) (*Tool, error) {
	if cfg.ID == "" || cfg.DSN == "" {
		return nil, core.NewFrameworkError("sqltool.Open", "tool", fmt.Errorf("%w: sql tool needs id and dsn", core.ErrMissingConfiguration))
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.ID, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.ID, err)
	}

	base := []Option{WithParams(cfg.Params...)}
	if cfg.TenantColumn != "" {
		base = append(base, WithTenantColumn(cfg.TenantColumn))
	}
	return New(cfg.ID, db, append(base, opts...)...), nil
}

// Close closes the database
func (t *Tool) Close() error {
	return t.db.Close()
}

// Descriptor returns the capability descriptor to register the tool with
func (t *Tool) Descriptor(description string) tool.Descriptor {
	params := []tool.ParamSpec{{Name: StatementParam, Type: tool.ParamString, Required: true, Description: "read-only SQL"}}
	for _, name := range t.params {
		params = append(params, tool.ParamSpec{Name: name, Type: tool.ParamAny})
	}
	return tool.Descriptor{
		ID:             t.id,
		Description:    description,
		Class:          tool.ClassDataAccess,
		Params:         params,
		Cost:           2,
		TenantScoped:   t.tenantColumn != "",
		TenantColumn:   t.tenantColumn,
		StatementParam: StatementParam,
	}
}

// Invoke runs the statement. At most call.MaxRows+1 rows are read so the
// executor can flag truncation without draining large results.
func (t *Tool) Invoke(ctx context.Context, params map[string]interface{}, call tool.CallContext) (*tool.RawResult, error) {
	statement, _ := params[StatementParam].(string)
	if strings.TrimSpace(statement) == "" {
		return nil, tool.Fatal(errors.New("empty statement"))
	}

	args := []interface{}{}
	if strings.Contains(statement, ":"+TenantArg) {
		args = append(args, sql.Named(TenantArg, call.Tenant))
	}
	for _, name := range t.params {
		if strings.Contains(statement, ":"+name) {
			args = append(args, sql.Named(name, params[name]))
		}
	}

	rows, err := t.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, t.classify(ctx, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, t.classify(ctx, err)
	}

	out := &tool.RawResult{
		Rows:       []tool.Row{},
		References: []tool.Reference{{Kind: "table", ID: t.id, Label: strings.Join(columns, ",")}},
	}
	limit := -1
	if call.MaxRows > 0 {
		limit = call.MaxRows + 1
	}
	for rows.Next() {
		if limit >= 0 && len(out.Rows) >= limit {
			break
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, t.classify(ctx, err)
		}
		row := make(tool.Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, t.classify(ctx, err)
	}

	t.logger.Debug("SQL statement completed", map[string]interface{}{
		"operation":  "sql_query",
		"tool_id":    t.id,
		"request_id": call.RequestID,
		"rows":       len(out.Rows),
	})
	return out, nil
}

// classify keeps context errors, marks lock contention transient and
// everything else fatal
func (t *Tool) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%s: %v: %w", t.id, err, tool.ErrTransient)
	}
	return &core.ToolError{
		Code:     "SQL_ERROR",
		Message:  msg,
		Category: core.CategoryInputError,
		Details:  map[string]string{"tool_id": t.id},
	}
}
