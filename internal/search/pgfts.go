package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across projects and fmodels using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Projects sub-query
	if q.FilterType == "" || q.FilterType == ResultProject {
		projWhere := "p.fts @@ " + tsQuery
		if q.FilterProjectID != "" {
			projWhere += fmt.Sprintf(" AND p.id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'project'::text AS type, p.id, p.key AS title,
				ts_headline('english', coalesce(p.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS project_id, p.key AS project_key,
				''::text AS file_key,
				ts_rank(p.fts, %s) AS rank
			FROM projects p
			WHERE %s`, tsQuery, tsQuery, projWhere))
	}

	// Fmodels sub-query
	if q.FilterType == "" || q.FilterType == ResultFmodel {
		fmWhere := "fm.fts @@ " + tsQuery
		if q.FilterProjectID != "" {
			fmWhere += fmt.Sprintf(" AND p.id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'fmodel'::text AS type, fm.id, fm.key AS title,
				ts_headline('english', coalesce(fm.type, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS project_id, p.key AS project_key,
				f.key AS file_key,
				ts_rank(fm.fts, %s) AS rank
			FROM fmodels fm
			JOIN files f ON f.id = fm.file_id
			JOIN projects p ON p.id = f.project_id
			WHERE %s`, tsQuery, tsQuery, fmWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	// Count query
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	// Data query
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, project_id, project_key, file_key
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.ProjectKey, &r.FileKey); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ProjectRecord, []FmodelRecord, error) {
	projRows, err := p.db.QueryContext(ctx, `
		SELECT id, anchor, key, COALESCE(description, '')
		FROM projects
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load projects: %w", err)
	}
	defer projRows.Close()

	projects := make([]ProjectRecord, 0)
	for projRows.Next() {
		var pr ProjectRecord
		if err := projRows.Scan(&pr.ID, &pr.Anchor, &pr.Key, &pr.Description); err != nil {
			return nil, nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, pr)
	}
	if err := projRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate projects: %w", err)
	}

	fmRows, err := p.db.QueryContext(ctx, `
		SELECT fm.id, fm.anchor, fm.key, fm.type, f.key, p.id, p.key
		FROM fmodels fm
		JOIN files f ON f.id = fm.file_id
		JOIN projects p ON p.id = f.project_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load fmodels: %w", err)
	}
	defer fmRows.Close()

	fmodels := make([]FmodelRecord, 0)
	for fmRows.Next() {
		var fm FmodelRecord
		if err := fmRows.Scan(&fm.ID, &fm.Anchor, &fm.Key, &fm.Type, &fm.FileKey, &fm.ProjectID, &fm.ProjectKey); err != nil {
			return nil, nil, fmt.Errorf("scan fmodel: %w", err)
		}
		fmodels = append(fmodels, fm)
	}
	if err := fmRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate fmodels: %w", err)
	}

	return projects, fmodels, nil
}
