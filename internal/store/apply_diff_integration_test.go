package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/50kudos/fset/internal/diff"
	"github.com/50kudos/fset/internal/util"
)

// openTestStore connects to the database named by FSET_TEST_DATABASE_URL,
// resets the schema, and applies the migrations. Tests that need real
// Postgres skip when the variable is unset.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("FSET_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("FSET_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	return NewPostgresStore(db)
}

func seedProject(t *testing.T, s *PostgresStore) Project {
	t.Helper()
	project := Project{
		ID:     util.NewID("proj"),
		Anchor: util.NewID("anc"),
		Key:    "it-" + util.NewID("")[:8],
	}
	if err := s.InsertProject(context.Background(), project); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return project
}

func strp(v string) *string { return &v }

func TestApplyDiffInsertsChildrenOfFilesAddedInSameTransaction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, s)

	fileAnchor := util.NewID("anc")
	ops := DiffOps{
		AddedFiles: []FileUpsert{{
			ID:        util.NewID("file"),
			ProjectID: project.ID,
			Anchor:    fileAnchor,
			Key:       "core",
			Order:     1,
		}},
		AddedFmodels: []diff.FmodelPatch{{
			Anchor: util.NewID("anc"),
			Key:    strp("circle"),
			Type:   strp("object"),
			Sch:    map[string]any{"parentAnchor": fileAnchor, "description": "round"},
		}},
		AppliedAt: time.Now(),
	}

	result, err := s.ApplyDiff(ctx, project, ops)
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if result.FilesAdded != 1 || result.FmodelsAdded != 1 {
		t.Fatalf("result = %+v", result)
	}

	files, err := s.ListProjectFiles(ctx, project.ID)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 1 || files[0].Key != "core" {
		t.Fatalf("files = %+v", files)
	}
	fmodels, err := s.ListFileFmodels(ctx, files[0].ID)
	if err != nil {
		t.Fatalf("list fmodels: %v", err)
	}
	if len(fmodels) != 1 || fmodels[0].Key != "circle" {
		t.Fatalf("fmodels = %+v", fmodels)
	}
	if _, leaked := fmodels[0].Sch["parentAnchor"]; leaked {
		t.Fatalf("parentAnchor persisted into sch: %v", fmodels[0].Sch)
	}
	if fmodels[0].Sch["description"] != "round" {
		t.Fatalf("sch = %v", fmodels[0].Sch)
	}
}

func TestApplyDiffRollsBackOnUnresolvedParent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, s)

	ops := DiffOps{
		AddedFiles: []FileUpsert{{
			ID:        util.NewID("file"),
			ProjectID: project.ID,
			Anchor:    util.NewID("anc"),
			Key:       "core",
		}},
		AddedFmodels: []diff.FmodelPatch{{
			Anchor: util.NewID("anc"),
			Key:    strp("orphan"),
			Sch:    map[string]any{"parentAnchor": "nowhere"},
		}},
		AppliedAt: time.Now(),
	}

	if _, err := s.ApplyDiff(ctx, project, ops); err == nil {
		t.Fatal("expected an unresolved parent error")
	}

	// The file insert in the same transaction must not be visible.
	files, err := s.ListProjectFiles(ctx, project.ID)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("partial application visible: %+v", files)
	}
}

func TestApplyDiffRenamesFileKeyInPlace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, s)

	fileID := util.NewID("file")
	fileAnchor := util.NewID("anc")
	setup := DiffOps{
		AddedFiles: []FileUpsert{{
			ID:        fileID,
			ProjectID: project.ID,
			Anchor:    fileAnchor,
			Key:       "core",
			Order:     1,
		}},
		AppliedAt: time.Now(),
	}
	if _, err := s.ApplyDiff(ctx, project, setup); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Renaming the key targets the stored row by id. Staging it as an
	// insert would duplicate the pk, since no conflict target covers a
	// key that matches no existing (key, project_id) row.
	rename := DiffOps{
		UpdatedFiles: []FileUpsert{{
			ID:        fileID,
			ProjectID: project.ID,
			Anchor:    fileAnchor,
			Key:       "api",
			Order:     1,
		}},
		AppliedAt: time.Now(),
	}
	result, err := s.ApplyDiff(ctx, project, rename)
	if err != nil {
		t.Fatalf("ApplyDiff rename: %v", err)
	}
	if result.FilesChanged != 1 {
		t.Fatalf("result = %+v", result)
	}

	files, err := s.ListProjectFiles(ctx, project.ID)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 1 || files[0].ID != fileID || files[0].Key != "api" {
		t.Fatalf("files = %+v", files)
	}
}

func TestApplyDiffUpsertsAreIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, s)

	fileAnchor := util.NewID("anc")
	fmodelAnchor := util.NewID("anc")
	ops := DiffOps{
		AddedFiles: []FileUpsert{{
			ID:        util.NewID("file"),
			ProjectID: project.ID,
			Anchor:    fileAnchor,
			Key:       "core",
		}},
		AddedFmodels: []diff.FmodelPatch{{
			Anchor: fmodelAnchor,
			Key:    strp("circle"),
			Sch:    map[string]any{"parentAnchor": fileAnchor},
		}},
		AppliedAt: time.Now(),
	}
	if _, err := s.ApplyDiff(ctx, project, ops); err != nil {
		t.Fatalf("first application: %v", err)
	}

	// Re-adding the same anchors with different attributes converges
	// on the updated values without duplicating rows.
	again := DiffOps{
		AddedFiles: []FileUpsert{{
			ID:        util.NewID("file"),
			ProjectID: project.ID,
			Anchor:    fileAnchor,
			Key:       "core-renamed",
			Order:     5,
		}},
		AddedFmodels: []diff.FmodelPatch{{
			Anchor: fmodelAnchor,
			Key:    strp("disc"),
			Type:   strp("string"),
			Sch:    map[string]any{"parentAnchor": fileAnchor, "maxLength": 12},
		}},
		AppliedAt: time.Now(),
	}
	if _, err := s.ApplyDiff(ctx, project, again); err != nil {
		t.Fatalf("second application: %v", err)
	}

	files, err := s.ListProjectFiles(ctx, project.ID)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 1 || files[0].Key != "core-renamed" || files[0].Order != 5 {
		t.Fatalf("files = %+v", files)
	}
	fmodels, err := s.ListFileFmodels(ctx, files[0].ID)
	if err != nil {
		t.Fatalf("list fmodels: %v", err)
	}
	if len(fmodels) != 1 || fmodels[0].Key != "disc" || fmodels[0].Type != "string" {
		t.Fatalf("fmodels = %+v", fmodels)
	}
}

func TestApplyDiffDeletePhaseRemovesFmodelsBeforeFiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, s)

	fileAnchor := util.NewID("anc")
	fmodelAnchor := util.NewID("anc")
	setup := DiffOps{
		AddedFiles: []FileUpsert{{
			ID:        util.NewID("file"),
			ProjectID: project.ID,
			Anchor:    fileAnchor,
			Key:       "core",
		}},
		AddedFmodels: []diff.FmodelPatch{{
			Anchor: fmodelAnchor,
			Key:    strp("circle"),
			Sch:    map[string]any{"parentAnchor": fileAnchor},
		}},
		AppliedAt: time.Now(),
	}
	if _, err := s.ApplyDiff(ctx, project, setup); err != nil {
		t.Fatalf("setup: %v", err)
	}

	remove := DiffOps{
		RemovedFileAnchors:   []string{fileAnchor},
		RemovedFmodelAnchors: []string{fmodelAnchor},
		AppliedAt:            time.Now(),
	}
	result, err := s.ApplyDiff(ctx, project, remove)
	if err != nil {
		t.Fatalf("ApplyDiff remove: %v", err)
	}
	if result.FilesRemoved != 1 || result.FmodelsRemoved != 1 {
		t.Fatalf("result = %+v", result)
	}

	files, err := s.ListProjectFiles(ctx, project.ID)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("files = %+v", files)
	}
}
