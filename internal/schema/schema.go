// Package schema introspects the clinic database and renders the
// tables-and-columns fragment for the system prompt.
//
// The fragment deliberately hides identifier-like and audit columns so the
// model never learns internal ids it could leak to users, and notes which
// column (if any) filters out soft-deleted rows. The rendered text is cached
// for the life of the process; Invalidate lets operators pick up schema
// changes without a restart.
package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/carelane/carebot/internal/log"
)

// Unavailable is the fragment used when introspection is impossible.
const Unavailable = "Database schema description is unavailable."

// auditColumns are hidden from the displayable column list regardless of
// suffix. Compared case-insensitively.
var auditColumns = map[string]struct{}{
	"created_at": {},
	"createdat":  {},
	"updated_at": {},
	"updatedat":  {},
	"deleted_at": {},
	"deletedat":  {},
	"created_by": {},
	"updated_by": {},
}

// statusColumns mark a table's active-record filter, in preference order.
var statusColumns = []string{"active", "is_active", "status", "deleted_at"}

// Displayable reports whether a column may appear in the prompt fragment.
// Identifier-like columns (id, *_id) are hidden, except the literal name
// "mrn": the medical record number is the one identifier staff are meant
// to see and exchange.
func Displayable(column string) bool {
	if column == "mrn" {
		return true
	}
	lower := strings.ToLower(column)
	if _, audit := auditColumns[lower]; audit {
		return false
	}
	if lower == "id" || strings.HasSuffix(lower, "_id") {
		return false
	}
	return true
}

// Column is one introspected column.
type Column struct {
	Name     string
	DataType string
}

// Table is one introspected table with its displayable columns.
type Table struct {
	Name         string
	Columns      []Column
	StatusFilter string // empty when the table has no active-record column
}

// Querier is the slice of pgxpool.Pool the introspector needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Introspector builds and caches the schema prompt fragment.
type Introspector struct {
	db     Querier
	logger log.Logger

	mu       sync.RWMutex
	fragment string
	built    bool
}

// NewIntrospector creates an Introspector. db may be nil when no database is
// configured; Fragment then reports the schema as unavailable.
func NewIntrospector(db Querier, logger log.Logger) *Introspector {
	return &Introspector{db: db, logger: logger}
}

// Fragment returns the cached prompt fragment, building it on first use.
// Introspection failure degrades to the Unavailable sentence rather than
// failing the chat request.
func (in *Introspector) Fragment(ctx context.Context) string {
	in.mu.RLock()
	if in.built {
		defer in.mu.RUnlock()
		return in.fragment
	}
	in.mu.RUnlock()

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.built {
		return in.fragment
	}

	in.fragment = in.build(ctx)
	in.built = true
	return in.fragment
}

// Invalidate drops the cached fragment so the next Fragment call
// re-introspects. Wire this to an admin hook for schema migrations.
func (in *Introspector) Invalidate() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.built = false
	in.fragment = ""
}

func (in *Introspector) build(ctx context.Context) string {
	if in.db == nil {
		return Unavailable
	}

	tables, err := in.introspect(ctx)
	if err != nil {
		in.logger.Warn("schema introspection failed", "error", err)
		return Unavailable
	}
	if len(tables) == 0 {
		return Unavailable
	}
	return Render(tables)
}

func (in *Introspector) introspect(ctx context.Context) ([]Table, error) {
	const q = `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`

	rows, err := in.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying information_schema: %w", err)
	}
	defer rows.Close()

	byTable := make(map[string]*Table)
	var order []string
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return nil, fmt.Errorf("scanning column row: %w", err)
		}

		t, ok := byTable[table]
		if !ok {
			t = &Table{Name: table}
			byTable[table] = t
			order = append(order, table)
		}
		if t.StatusFilter == "" && isStatusColumn(column) {
			t.StatusFilter = column
		}
		if Displayable(column) {
			t.Columns = append(t.Columns, Column{Name: column, DataType: dataType})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating columns: %w", err)
	}

	sort.Strings(order)
	tables := make([]Table, 0, len(order))
	for _, name := range order {
		tables = append(tables, *byTable[name])
	}
	return tables, nil
}

func isStatusColumn(column string) bool {
	lower := strings.ToLower(column)
	for _, s := range statusColumns {
		if lower == s {
			return true
		}
	}
	return false
}

// Render formats introspected tables as the prompt fragment.
func Render(tables []Table) string {
	var b strings.Builder
	b.WriteString("Queryable tables and columns:\n")
	for _, t := range tables {
		b.WriteString("- ")
		b.WriteString(t.Name)
		if t.StatusFilter != "" {
			fmt.Fprintf(&b, " (filter active records with %q)", t.StatusFilter)
		}
		b.WriteString(": ")
		if len(t.Columns) == 0 {
			b.WriteString("(no displayable columns)")
		} else {
			for i, c := range t.Columns {
				if i > 0 {
					b.WriteString(", ")
				}
				fmt.Fprintf(&b, "%s (%s)", c.Name, c.DataType)
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
