package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/carelane/carebot/internal/credential"
)

// Raw-query tool: lets the model run read-only SELECTs against the clinic
// database. The guard is the contract: anything that is not a plain SELECT
// is rejected before it reaches the database, and unbounded result sets get
// a LIMIT appended.

// MaxSQLRowLimit caps caller-supplied limit overrides.
const MaxSQLRowLimit = 200

// mutatingKeywords are rejected anywhere in the query text, not just in
// statement position, so stacked statements and CTE tricks are caught too.
var mutatingKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER",
	"TRUNCATE", "CREATE", "GRANT", "REVOKE",
}

var (
	mutatingRe = regexp.MustCompile(`(?i)\b(` + strings.Join(mutatingKeywords, "|") + `)\b`)
	limitRe    = regexp.MustCompile(`(?i)\bLIMIT\b`)
	selectRe   = regexp.MustCompile(`(?i)^SELECT\b`)
)

// QueryDatabaseInput is the raw-query tool's input.
type QueryDatabaseInput struct {
	Query string `json:"query" jsonschema:"A single read-only SELECT statement"`
	Limit int    `json:"limit,omitempty" jsonschema:"Row cap to apply when the query has no LIMIT clause (max 200)"`
}

// UnwrapQuery tolerates models that hand back the query wrapped in JSON:
// either a JSON string literal or an object carrying a "query" field.
// Anything else is returned as-is.
func UnwrapQuery(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return trimmed
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err == nil {
			return strings.TrimSpace(s)
		}
	case '{':
		var obj struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj.Query != "" {
			return strings.TrimSpace(obj.Query)
		}
	}
	return trimmed
}

// SanitizeQuery validates a candidate query and returns it with a LIMIT
// applied if missing. defaultLimit is used when the caller supplies no
// override.
func SanitizeQuery(raw string, callerLimit, defaultLimit int) (string, error) {
	query := UnwrapQuery(raw)
	if query == "" {
		return "", fmt.Errorf("query is empty")
	}

	if !selectRe.MatchString(query) {
		return "", fmt.Errorf("only SELECT queries are allowed")
	}

	if m := mutatingRe.FindString(query); m != "" {
		return "", fmt.Errorf("query contains forbidden keyword %s", strings.ToUpper(m))
	}

	if !limitRe.MatchString(query) {
		limit := defaultLimit
		if callerLimit > 0 {
			limit = callerLimit
		}
		if limit > MaxSQLRowLimit {
			limit = MaxSQLRowLimit
		}
		query = strings.TrimRight(query, "; \t\n") + fmt.Sprintf(" LIMIT %d", limit)
	}

	return query, nil
}

// RowQuerier is the slice of pgxpool.Pool the query tool needs.
type RowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// QueryDatabaseTool builds the raw-query tool over a Postgres connection.
func QueryDatabaseTool(db RowQuerier, defaultLimit int) *Tool {
	return MustNew("query_database",
		"Run a read-only SQL SELECT against the clinic database for questions the other tools cannot answer. "+
			"Only SELECT statements are accepted; results are row-limited.",
		func(ctx context.Context, in QueryDatabaseInput) (any, error) {
			if _, err := credential.Require(ctx); err != nil {
				return nil, err
			}

			query, err := SanitizeQuery(in.Query, in.Limit, defaultLimit)
			if err != nil {
				return nil, err
			}

			rows, err := db.Query(ctx, query)
			if err != nil {
				return nil, fmt.Errorf("query failed: %w", err)
			}
			defer rows.Close()

			fields := rows.FieldDescriptions()
			results := make([]map[string]any, 0, 16)
			for rows.Next() {
				values, err := rows.Values()
				if err != nil {
					return nil, fmt.Errorf("reading row: %w", err)
				}
				row := make(map[string]any, len(fields))
				for i, fd := range fields {
					row[fd.Name] = values[i]
				}
				results = append(results, row)
			}
			if err := rows.Err(); err != nil {
				return nil, fmt.Errorf("iterating rows: %w", err)
			}

			return map[string]any{
				"rows":     results,
				"rowCount": len(results),
			}, nil
		})
}
