package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/50kudos/fset/internal/diff"
	"github.com/50kudos/fset/internal/util"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// IsConflict reports whether err carries a Postgres unique or foreign
// key violation.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	code := pgErr.SQLState()
	return code == "23505" || code == "23503"
}

func (s *PostgresStore) GetProjectByKey(ctx context.Context, key string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, anchor, key, "order", COALESCE(description, ''), created_at, updated_at
		FROM projects
		WHERE key=$1
	`, key).Scan(&item.ID, &item.Anchor, &item.Key, &item.Order, &item.Description, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetProjectByAnchor(ctx context.Context, anchor string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, anchor, key, "order", COALESCE(description, ''), created_at, updated_at
		FROM projects
		WHERE anchor=$1
	`, anchor).Scan(&item.ID, &item.Anchor, &item.Key, &item.Order, &item.Description, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, item Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, anchor, key, "order", description)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
	`, item.ID, item.Anchor, item.Key, item.Order, item.Description)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.anchor, p.key, p."order", COALESCE(p.description, ''), p.created_at, p.updated_at
		FROM projects p
		JOIN project_members pm ON pm.project_id = p.id
		WHERE pm.user_id=$1
		ORDER BY p."order" ASC, p.key ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.Anchor, &item.Key, &item.Order, &item.Description, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountProjects(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListProjectFiles(ctx context.Context, projectID string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, anchor, key, "order", created_at, updated_at
		FROM files
		WHERE project_id=$1
		ORDER BY "order" ASC, key ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project files: %w", err)
	}
	defer rows.Close()

	items := make([]File, 0)
	for rows.Next() {
		var item File
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Anchor, &item.Key, &item.Order, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListFileFmodels(ctx context.Context, fileID string) ([]Fmodel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_id, anchor, key, type, is_entry, COALESCE(sch, '{}'::jsonb), created_at, updated_at
		FROM fmodels
		WHERE file_id=$1
		ORDER BY is_entry DESC, key ASC
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list file fmodels: %w", err)
	}
	defer rows.Close()
	return scanFmodels(rows)
}

func (s *PostgresStore) ListProjectFmodels(ctx context.Context, projectID string) ([]Fmodel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fm.id, fm.file_id, fm.anchor, fm.key, fm.type, fm.is_entry, COALESCE(fm.sch, '{}'::jsonb), fm.created_at, fm.updated_at
		FROM fmodels fm
		JOIN files f ON f.id = fm.file_id
		WHERE f.project_id=$1
		ORDER BY f."order" ASC, f.key ASC, fm.is_entry DESC, fm.key ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project fmodels: %w", err)
	}
	defer rows.Close()
	return scanFmodels(rows)
}

func (s *PostgresStore) GetFmodelByAnchor(ctx context.Context, anchor string) (Fmodel, error) {
	var item Fmodel
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, file_id, anchor, key, type, is_entry, COALESCE(sch, '{}'::jsonb), created_at, updated_at
		FROM fmodels
		WHERE anchor=$1
	`, anchor).Scan(&item.ID, &item.FileID, &item.Anchor, &item.Key, &item.Type, &item.IsEntry, &raw, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Fmodel{}, err
	}
	item.Sch = map[string]any{}
	_ = json.Unmarshal(raw, &item.Sch)
	return item, nil
}

func scanFmodels(rows *sql.Rows) ([]Fmodel, error) {
	items := make([]Fmodel, 0)
	for rows.Next() {
		var item Fmodel
		var raw []byte
		if err := rows.Scan(&item.ID, &item.FileID, &item.Anchor, &item.Key, &item.Type, &item.IsEntry, &raw, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fmodel: %w", err)
		}
		item.Sch = map[string]any{}
		_ = json.Unmarshal(raw, &item.Sch)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fmodels: %w", err)
	}
	return items, nil
}

// DiffOps is one staged diff application. The caller translates and
// pre-resolves what it can (changed fmodels resolve against the
// pre-existing file list only); added fmodels stay unresolved because
// their parents may be files inserted by this same application.
// UpdatedFiles are changed files whose anchor matched a stored row and
// are patched in place by primary key, so a key rename never collides
// with its own row. ChangedFiles are changed entries with no stored
// row, upserted by natural key.
type DiffOps struct {
	ProjectPatch         *diff.ProjectPatch
	UpdatedFiles         []FileUpsert
	ChangedFiles         []FileUpsert
	ChangedFmodels       []diff.ResolvedFmodel
	RemovedFileAnchors   []string
	RemovedFmodelAnchors []string
	AddedFiles           []FileUpsert
	AddedFmodels         []diff.FmodelPatch
	CurrentFileRefs      []diff.FileRef
	AppliedAt            time.Time
}

// FileUpsert is one file row staged for upsert.
type FileUpsert struct {
	ID        string
	ProjectID string
	Anchor    string
	Key       string
	Order     int
}

// DiffResult reports what one committed diff application touched.
type DiffResult struct {
	ProjectPatched bool
	FilesChanged   int
	FmodelsChanged int
	FilesRemoved   int
	FmodelsRemoved int
	FilesAdded     int
	FmodelsAdded   int
}

type fileConflictTarget string

const (
	fileConflictChanged fileConflictTarget = "(key, project_id)"
	fileConflictAdded   fileConflictTarget = "(anchor)"
)

// ApplyDiff executes one staged diff as a single transaction: update
// phase, delete phase (fmodels before files), insert phase. The insert
// phase upserts the added files first, merges the returned refs into
// the project's current file list, and only then resolves the added
// fmodels, so children can reference files created in this same
// transaction. Any failure rolls the whole application back.
func (s *PostgresStore) ApplyDiff(ctx context.Context, project Project, ops DiffOps) (DiffResult, error) {
	var res DiffResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DiffResult{}, fmt.Errorf("begin diff tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if ops.ProjectPatch != nil {
		if err := patchProject(ctx, tx, project.ID, *ops.ProjectPatch, ops.AppliedAt); err != nil {
			return DiffResult{}, err
		}
		res.ProjectPatched = true
	}
	if len(ops.UpdatedFiles) > 0 {
		if err := updateFiles(ctx, tx, ops.UpdatedFiles, ops.AppliedAt); err != nil {
			return DiffResult{}, fmt.Errorf("update changed files: %w", err)
		}
		res.FilesChanged += len(ops.UpdatedFiles)
	}
	if len(ops.ChangedFiles) > 0 {
		if _, err := upsertFiles(ctx, tx, ops.ChangedFiles, ops.AppliedAt, fileConflictChanged); err != nil {
			return DiffResult{}, fmt.Errorf("upsert changed files: %w", err)
		}
		res.FilesChanged += len(ops.ChangedFiles)
	}
	if len(ops.ChangedFmodels) > 0 {
		if err := upsertFmodels(ctx, tx, ops.ChangedFmodels, ops.AppliedAt); err != nil {
			return DiffResult{}, fmt.Errorf("upsert changed fmodels: %w", err)
		}
		res.FmodelsChanged = len(ops.ChangedFmodels)
	}

	if len(ops.RemovedFmodelAnchors) > 0 {
		n, err := deleteFmodelsByAnchor(ctx, tx, ops.RemovedFmodelAnchors)
		if err != nil {
			return DiffResult{}, fmt.Errorf("delete fmodels: %w", err)
		}
		res.FmodelsRemoved = n
	}
	if len(ops.RemovedFileAnchors) > 0 {
		n, err := deleteFilesByAnchor(ctx, tx, project.ID, ops.RemovedFileAnchors)
		if err != nil {
			return DiffResult{}, fmt.Errorf("delete files: %w", err)
		}
		res.FilesRemoved = n
	}

	fileRefs := make([]diff.FileRef, 0, len(ops.CurrentFileRefs)+len(ops.AddedFiles))
	fileRefs = append(fileRefs, ops.CurrentFileRefs...)
	if len(ops.AddedFiles) > 0 {
		refs, err := upsertFiles(ctx, tx, ops.AddedFiles, ops.AppliedAt, fileConflictAdded)
		if err != nil {
			return DiffResult{}, fmt.Errorf("upsert added files: %w", err)
		}
		fileRefs = append(fileRefs, refs...)
		res.FilesAdded = len(refs)
	}
	if len(ops.AddedFmodels) > 0 {
		resolved, err := diff.ResolveParents(ops.AddedFmodels, fileRefs)
		if err != nil {
			return DiffResult{}, fmt.Errorf("resolve added fmodels: %w", err)
		}
		if err := upsertFmodels(ctx, tx, resolved, ops.AppliedAt); err != nil {
			return DiffResult{}, fmt.Errorf("upsert added fmodels: %w", err)
		}
		res.FmodelsAdded = len(resolved)
	}

	if err := tx.Commit(); err != nil {
		return DiffResult{}, fmt.Errorf("commit diff tx: %w", err)
	}
	return res, nil
}

func patchProject(ctx context.Context, tx *sql.Tx, projectID string, patch diff.ProjectPatch, appliedAt time.Time) error {
	sets := make([]string, 0, 4)
	args := []any{projectID}
	argN := 2
	if patch.Key != nil {
		sets = append(sets, fmt.Sprintf("key=$%d", argN))
		args = append(args, *patch.Key)
		argN++
	}
	if patch.Order != nil {
		sets = append(sets, fmt.Sprintf(`"order"=$%d`, argN))
		args = append(args, *patch.Order)
		argN++
	}
	if patch.Description != nil {
		sets = append(sets, fmt.Sprintf("description=$%d", argN))
		args = append(args, *patch.Description)
		argN++
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, fmt.Sprintf("updated_at=$%d", argN))
	args = append(args, appliedAt)

	query := fmt.Sprintf(`UPDATE projects SET %s WHERE id=$1`, strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("patch project: %w", err)
	}
	return nil
}

func updateFiles(ctx context.Context, tx *sql.Tx, files []FileUpsert, appliedAt time.Time) error {
	for _, f := range files {
		_, err := tx.ExecContext(ctx, `
			UPDATE files SET key=$2, "order"=$3, updated_at=$4 WHERE id=$1
		`, f.ID, f.Key, f.Order, appliedAt)
		if err != nil {
			return fmt.Errorf("update file %s: %w", f.Anchor, err)
		}
	}
	return nil
}

func upsertFiles(ctx context.Context, tx *sql.Tx, files []FileUpsert, appliedAt time.Time, target fileConflictTarget) ([]diff.FileRef, error) {
	args := []any{appliedAt}
	argN := 2
	values := make([]string, 0, len(files))
	for _, f := range files {
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $1, $1)", argN, argN+1, argN+2, argN+3, argN+4))
		args = append(args, f.ID, f.ProjectID, f.Anchor, f.Key, f.Order)
		argN += 5
	}

	query := fmt.Sprintf(`
		INSERT INTO files (id, project_id, anchor, key, "order", created_at, updated_at)
		VALUES %s
		ON CONFLICT %s
		DO UPDATE SET key=EXCLUDED.key, "order"=EXCLUDED."order", updated_at=EXCLUDED.updated_at
		RETURNING id, anchor
	`, strings.Join(values, ", "), target)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := make([]diff.FileRef, 0, len(files))
	for rows.Next() {
		var ref diff.FileRef
		if err := rows.Scan(&ref.ID, &ref.Anchor); err != nil {
			return nil, fmt.Errorf("scan file ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file refs: %w", err)
	}
	return refs, nil
}

func upsertFmodels(ctx context.Context, tx *sql.Tx, fmodels []diff.ResolvedFmodel, appliedAt time.Time) error {
	args := []any{appliedAt}
	argN := 2
	values := make([]string, 0, len(fmodels))
	for _, fm := range fmodels {
		sch := fm.Sch
		if sch == nil {
			sch = map[string]any{}
		}
		encoded, err := json.Marshal(sch)
		if err != nil {
			return fmt.Errorf("encode sch for %s: %w", fm.Anchor, err)
		}
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d::jsonb, $1, $1)", argN, argN+1, argN+2, argN+3, argN+4, argN+5, argN+6))
		args = append(args, util.NewID("fmod"), fm.FileID, fm.Anchor, strOr(fm.Key, ""), strOr(fm.Type, "object"), boolOr(fm.IsEntry, false), string(encoded))
		argN += 7
	}

	query := fmt.Sprintf(`
		INSERT INTO fmodels (id, file_id, anchor, key, type, is_entry, sch, created_at, updated_at)
		VALUES %s
		ON CONFLICT (anchor)
		DO UPDATE SET key=EXCLUDED.key, type=EXCLUDED.type, is_entry=EXCLUDED.is_entry, sch=EXCLUDED.sch, updated_at=EXCLUDED.updated_at
	`, strings.Join(values, ", "))

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return nil
}

func deleteFmodelsByAnchor(ctx context.Context, tx *sql.Tx, anchors []string) (int, error) {
	placeholders := make([]string, 0, len(anchors))
	args := make([]any, 0, len(anchors))
	for i, anchor := range anchors {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, anchor)
	}
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM fmodels WHERE anchor IN (%s)
	`, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func deleteFilesByAnchor(ctx context.Context, tx *sql.Tx, projectID string, anchors []string) (int, error) {
	placeholders := make([]string, 0, len(anchors))
	args := []any{projectID}
	for i, anchor := range anchors {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		args = append(args, anchor)
	}
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM files WHERE project_id=$1 AND anchor IN (%s)
	`, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *PostgresStore) UpsertProjectMember(ctx context.Context, projectID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, projectID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("remove project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProjectMembers(ctx context.Context, projectID string) ([]ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pm.project_id, pm.user_id, pm.role, pm.created_at, u.email, u.display_name
		FROM project_members pm
		JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id=$1
		ORDER BY pm.created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project members: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectMember, 0)
	for rows.Next() {
		var item ProjectMember
		if err := rows.Scan(&item.ProjectID, &item.UserID, &item.Role, &item.CreatedAt, &item.UserEmail, &item.UserDisplayName); err != nil {
			return nil, fmt.Errorf("scan project member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project members: %w", err)
	}
	return items, nil
}

// GetProjectRole returns the caller's membership role for a project, or
// an empty string when they are not a member.
func (s *PostgresStore) GetProjectRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read project role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) InsertNamedVersion(ctx context.Context, item NamedVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO named_versions (project_id, name, hash, created_by_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, name)
		DO UPDATE SET hash=EXCLUDED.hash, created_by_name=EXCLUDED.created_by_name, created_at=NOW()
	`, item.ProjectID, item.Name, item.Hash, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert named version: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNamedVersions(ctx context.Context, projectID string) ([]NamedVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, name, hash, created_by_name, created_at
		FROM named_versions
		WHERE project_id=$1
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list named versions: %w", err)
	}
	defer rows.Close()

	items := make([]NamedVersion, 0)
	for rows.Next() {
		var item NamedVersion
		if err := rows.Scan(&item.ProjectID, &item.Name, &item.Hash, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan named version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate named versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	role := user.Role
	if role == "" {
		role = "member"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, NULLIF($7, ''))
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, is_email_verified, COALESCE(verification_token, ''), verification_expires_at, deactivated_at, created_at, updated_at
		FROM users
		WHERE email=LOWER($1) AND deactivated_at IS NULL
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified, &user.VerificationToken, &user.VerificationExpiresAt, &user.DeactivatedAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, is_email_verified, COALESCE(verification_token, ''), verification_expires_at, deactivated_at, created_at, updated_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified, &user.VerificationToken, &user.VerificationExpiresAt, &user.DeactivatedAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify user email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify user email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id
		FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE password_resets SET used_at=NOW() WHERE token=$1
	`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND u.deactivated_at IS NULL
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func strOr(v *string, fallback string) string {
	if v != nil {
		return *v
	}
	return fallback
}

func boolOr(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}
