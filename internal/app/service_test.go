package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/50kudos/fset/internal/authpw"
	"github.com/50kudos/fset/internal/config"
	"github.com/50kudos/fset/internal/diff"
	"github.com/50kudos/fset/internal/email"
	"github.com/50kudos/fset/internal/export"
	"github.com/50kudos/fset/internal/store"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type fakeStore struct {
	GetProjectByKeyFn      func(ctx context.Context, key string) (store.Project, error)
	GetProjectByAnchorFn   func(ctx context.Context, anchor string) (store.Project, error)
	InsertProjectFn        func(ctx context.Context, item store.Project) error
	DeleteProjectFn        func(ctx context.Context, projectID string) error
	ListProjectsFn         func(ctx context.Context, userID string) ([]store.Project, error)
	CountProjectsFn        func(ctx context.Context) (int, error)
	ListProjectFilesFn     func(ctx context.Context, projectID string) ([]store.File, error)
	ListProjectFmodelsFn   func(ctx context.Context, projectID string) ([]store.Fmodel, error)
	ApplyDiffFn            func(ctx context.Context, project store.Project, ops store.DiffOps) (store.DiffResult, error)
	UpsertProjectMemberFn  func(ctx context.Context, projectID, userID, role string) error
	RemoveProjectMemberFn  func(ctx context.Context, projectID, userID string) error
	ListProjectMembersFn   func(ctx context.Context, projectID string) ([]store.ProjectMember, error)
	GetProjectRoleFn       func(ctx context.Context, projectID, userID string) (string, error)
	InsertNamedVersionFn   func(ctx context.Context, item store.NamedVersion) error
	ListNamedVersionsFn    func(ctx context.Context, projectID string) ([]store.NamedVersion, error)
	GetUserByIDFn          func(ctx context.Context, userID string) (store.User, error)
	GetUserByEmailFn       func(ctx context.Context, email string) (store.User, error)
	CreateUserFn           func(ctx context.Context, user store.User) error
	SaveRefreshSessionFn   func(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSessionFn func(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSessionFn func(ctx context.Context, tokenHash string) error
	RevokeAccessTokenFn    func(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevokedFn func(ctx context.Context, jti string) (bool, error)
}

func (f *fakeStore) GetProjectByKey(ctx context.Context, key string) (store.Project, error) {
	if f.GetProjectByKeyFn != nil {
		return f.GetProjectByKeyFn(ctx, key)
	}
	return store.Project{}, errors.New("GetProjectByKey not stubbed")
}

func (f *fakeStore) GetProjectByAnchor(ctx context.Context, anchor string) (store.Project, error) {
	if f.GetProjectByAnchorFn != nil {
		return f.GetProjectByAnchorFn(ctx, anchor)
	}
	return store.Project{}, errors.New("GetProjectByAnchor not stubbed")
}

func (f *fakeStore) InsertProject(ctx context.Context, item store.Project) error {
	if f.InsertProjectFn != nil {
		return f.InsertProjectFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) DeleteProject(ctx context.Context, projectID string) error {
	if f.DeleteProjectFn != nil {
		return f.DeleteProjectFn(ctx, projectID)
	}
	return nil
}

func (f *fakeStore) ListProjects(ctx context.Context, userID string) ([]store.Project, error) {
	if f.ListProjectsFn != nil {
		return f.ListProjectsFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) CountProjects(ctx context.Context) (int, error) {
	if f.CountProjectsFn != nil {
		return f.CountProjectsFn(ctx)
	}
	return 0, nil
}

func (f *fakeStore) ListProjectFiles(ctx context.Context, projectID string) ([]store.File, error) {
	if f.ListProjectFilesFn != nil {
		return f.ListProjectFilesFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) ListProjectFmodels(ctx context.Context, projectID string) ([]store.Fmodel, error) {
	if f.ListProjectFmodelsFn != nil {
		return f.ListProjectFmodelsFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) ApplyDiff(ctx context.Context, project store.Project, ops store.DiffOps) (store.DiffResult, error) {
	if f.ApplyDiffFn != nil {
		return f.ApplyDiffFn(ctx, project, ops)
	}
	return store.DiffResult{}, nil
}

func (f *fakeStore) UpsertProjectMember(ctx context.Context, projectID, userID, role string) error {
	if f.UpsertProjectMemberFn != nil {
		return f.UpsertProjectMemberFn(ctx, projectID, userID, role)
	}
	return nil
}

func (f *fakeStore) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	if f.RemoveProjectMemberFn != nil {
		return f.RemoveProjectMemberFn(ctx, projectID, userID)
	}
	return nil
}

func (f *fakeStore) ListProjectMembers(ctx context.Context, projectID string) ([]store.ProjectMember, error) {
	if f.ListProjectMembersFn != nil {
		return f.ListProjectMembersFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) GetProjectRole(ctx context.Context, projectID, userID string) (string, error) {
	if f.GetProjectRoleFn != nil {
		return f.GetProjectRoleFn(ctx, projectID, userID)
	}
	return "owner", nil
}

func (f *fakeStore) InsertNamedVersion(ctx context.Context, item store.NamedVersion) error {
	if f.InsertNamedVersionFn != nil {
		return f.InsertNamedVersionFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) ListNamedVersions(ctx context.Context, projectID string) ([]store.NamedVersion, error) {
	if f.ListNamedVersionsFn != nil {
		return f.ListNamedVersionsFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.GetUserByIDFn != nil {
		return f.GetUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Tester", Role: "member"}, nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.GetUserByEmailFn != nil {
		return f.GetUserByEmailFn(ctx, email)
	}
	return store.User{}, errors.New("GetUserByEmail not stubbed")
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.CreateUserFn != nil {
		return f.CreateUserFn(ctx, user)
	}
	return nil
}

func (f *fakeStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	return nil
}

func (f *fakeStore) VerifyUserEmail(ctx context.Context, token string) error { return nil }

func (f *fakeStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	return nil
}

func (f *fakeStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	return nil
}

func (f *fakeStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	return "", errors.New("GetPasswordReset not stubbed")
}

func (f *fakeStore) MarkPasswordResetUsed(ctx context.Context, token string) error { return nil }

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.SaveRefreshSessionFn != nil {
		return f.SaveRefreshSessionFn(ctx, tokenHash, userID, expiresAt)
	}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.LookupRefreshSessionFn != nil {
		return f.LookupRefreshSessionFn(ctx, tokenHash)
	}
	return store.User{}, errors.New("LookupRefreshSession not stubbed")
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.RevokeRefreshSessionFn != nil {
		return f.RevokeRefreshSessionFn(ctx, tokenHash)
	}
	return nil
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	if f.RevokeAccessTokenFn != nil {
		return f.RevokeAccessTokenFn(ctx, jti, exp)
	}
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.IsAccessTokenRevokedFn != nil {
		return f.IsAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

type fakeSnapshots struct {
	EnsureProjectRepoFn func(projectID string, doc map[string]any, author string) error
	CommitFn            func(projectID string, doc map[string]any, author, message string) (store.CommitInfo, error)
	ContentFn           func(projectID, hash string) ([]byte, error)
	CommitByHashFn      func(projectID, hash string) (store.CommitInfo, error)
	HistoryFn           func(projectID string, limit int) ([]store.CommitInfo, error)
	TagFn               func(projectID, hash, name string) error
}

func (f *fakeSnapshots) EnsureProjectRepo(projectID string, doc map[string]any, author string) error {
	if f.EnsureProjectRepoFn != nil {
		return f.EnsureProjectRepoFn(projectID, doc, author)
	}
	return nil
}

func (f *fakeSnapshots) Commit(projectID string, doc map[string]any, author, message string) (store.CommitInfo, error) {
	if f.CommitFn != nil {
		return f.CommitFn(projectID, doc, author, message)
	}
	return store.CommitInfo{Hash: "abc1234"}, nil
}

func (f *fakeSnapshots) Content(projectID, hash string) ([]byte, error) {
	if f.ContentFn != nil {
		return f.ContentFn(projectID, hash)
	}
	return nil, errors.New("no content")
}

func (f *fakeSnapshots) CommitByHash(projectID, hash string) (store.CommitInfo, error) {
	if f.CommitByHashFn != nil {
		return f.CommitByHashFn(projectID, hash)
	}
	return store.CommitInfo{}, errors.New("no commit")
}

func (f *fakeSnapshots) History(projectID string, limit int) ([]store.CommitInfo, error) {
	if f.HistoryFn != nil {
		return f.HistoryFn(projectID, limit)
	}
	return nil, nil
}

func (f *fakeSnapshots) Tag(projectID, hash, name string) error {
	if f.TagFn != nil {
		return f.TagFn(projectID, hash, name)
	}
	return nil
}

func newTestService(fs *fakeStore) *Service {
	n := 0
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: time.Hour,
		},
		store:     fs,
		sessions:  fs,
		snapshots: &fakeSnapshots{},
		exporter:  export.NewService(),
		authpw:    authpw.NewService(fs, "test-secret"),
		email:     email.NewService(email.Config{}),
		now:       func() time.Time { return fixedNow },
		newID: func(prefix string) string {
			n++
			if prefix == "" {
				return fmt.Sprintf("%032d", n)
			}
			return fmt.Sprintf("%s_%04d", prefix, n)
		},
	}
}

func seededStore() (*fakeStore, store.Project) {
	project := store.Project{
		ID:        "proj_1",
		Anchor:    "prj-anchor",
		Key:       "shapes",
		UpdatedAt: fixedNow,
	}
	files := []store.File{
		{ID: "file_1", ProjectID: project.ID, Anchor: "f1", Key: "core", Order: 1},
	}
	fmodels := []store.Fmodel{
		{ID: "fmod_1", FileID: "file_1", Anchor: "m1", Key: "circle", Type: "object", Sch: map[string]any{"description": "a circle"}},
	}
	fs := &fakeStore{
		GetProjectByKeyFn: func(ctx context.Context, key string) (store.Project, error) {
			return project, nil
		},
		GetProjectByAnchorFn: func(ctx context.Context, anchor string) (store.Project, error) {
			return project, nil
		},
		ListProjectFilesFn: func(ctx context.Context, projectID string) ([]store.File, error) {
			return files, nil
		},
		ListProjectFmodelsFn: func(ctx context.Context, projectID string) ([]store.Fmodel, error) {
			return fmodels, nil
		},
		GetProjectRoleFn: func(ctx context.Context, projectID, userID string) (string, error) {
			return "editor", nil
		},
	}
	return fs, project
}

func editorSession() Session {
	return Session{UserID: "user_1", UserName: "Ada", Role: "member"}
}

func TestPersistDiffStagesAllPhases(t *testing.T) {
	fs, _ := seededStore()
	var applied *store.DiffOps
	fs.ApplyDiffFn = func(ctx context.Context, project store.Project, ops store.DiffOps) (store.DiffResult, error) {
		applied = &ops
		return store.DiffResult{FilesChanged: 1, FmodelsChanged: 1, FmodelsRemoved: 1, FilesAdded: 1, FmodelsAdded: 2, ProjectPatched: true}, nil
	}
	service := newTestService(fs)

	payload := map[string]any{
		"changed": map[string]any{
			"project": map[string]any{
				"$anchor":     "prj-anchor",
				"description": map[string]any{"old": "", "new": "Updated"},
			},
			"files": map[string]any{
				"1": map[string]any{"$anchor": "f1", "order": float64(2)},
			},
			"fmodels": map[string]any{
				"2": map[string]any{"$anchor": "m1", "key": "disc", "maxLength": float64(10)},
			},
		},
		"removed": map[string]any{
			"fmodels": map[string]any{
				"3": map[string]any{"$anchor": "m9"},
			},
		},
		"added": map[string]any{
			"files": map[string]any{
				"4": map[string]any{
					"$anchor": "f2",
					"key":     "extras",
					"fields": map[string]any{
						"a": map[string]any{"$anchor": "m2", "key": "squircle", "type": "object"},
					},
				},
			},
			"fmodels": map[string]any{
				"5": map[string]any{"$anchor": "m3", "key": "radius", "type": "number", "parentAnchor": "f1"},
			},
		},
	}

	response, err := service.PersistDiff(context.Background(), "shapes", payload, editorSession())
	if err != nil {
		t.Fatalf("PersistDiff: %v", err)
	}
	if applied == nil {
		t.Fatal("ApplyDiff was not invoked")
	}

	if applied.ProjectPatch == nil || applied.ProjectPatch.Description == nil || *applied.ProjectPatch.Description != "Updated" {
		t.Fatalf("project patch = %+v, want description Updated", applied.ProjectPatch)
	}

	if len(applied.UpdatedFiles) != 1 {
		t.Fatalf("updated files = %d, want 1", len(applied.UpdatedFiles))
	}
	cf := applied.UpdatedFiles[0]
	if cf.ID != "file_1" || cf.Key != "core" || cf.Order != 2 || cf.ProjectID != "proj_1" {
		t.Fatalf("updated file filled from stored row incorrectly: %+v", cf)
	}
	if len(applied.ChangedFiles) != 0 {
		t.Fatalf("a stored file must not be staged as an upsert: %+v", applied.ChangedFiles)
	}

	if len(applied.ChangedFmodels) != 1 {
		t.Fatalf("changed fmodels = %d, want 1", len(applied.ChangedFmodels))
	}
	cm := applied.ChangedFmodels[0]
	if cm.FileID != "file_1" {
		t.Fatalf("changed fmodel parent = %q, want file_1 (backfilled from stored row)", cm.FileID)
	}
	if cm.Type == nil || *cm.Type != "object" {
		t.Fatalf("changed fmodel type not filled from stored row: %+v", cm)
	}
	if _, leaked := cm.Sch["parentAnchor"]; leaked {
		t.Fatal("parentAnchor must not survive into the persisted sch")
	}
	if cm.Sch["maxLength"] != float64(10) {
		t.Fatalf("sch passthrough lost maxLength: %+v", cm.Sch)
	}

	if len(applied.RemovedFmodelAnchors) != 1 || applied.RemovedFmodelAnchors[0] != "m9" {
		t.Fatalf("removed fmodel anchors = %v", applied.RemovedFmodelAnchors)
	}

	if len(applied.AddedFiles) != 1 {
		t.Fatalf("added files = %d, want 1", len(applied.AddedFiles))
	}
	af := applied.AddedFiles[0]
	if af.ID == "" || af.ID == "file_1" {
		t.Fatalf("added file must get a fresh id, got %q", af.ID)
	}
	if af.ProjectID != "proj_1" || af.Anchor != "f2" || af.Key != "extras" {
		t.Fatalf("added file staged incorrectly: %+v", af)
	}

	// Added fmodels stay unresolved: the transaction resolves them
	// against the augmented file list.
	if len(applied.AddedFmodels) != 2 {
		t.Fatalf("added fmodels = %d, want 2", len(applied.AddedFmodels))
	}
	if applied.AddedFmodels[0].Sch["parentAnchor"] != "f2" {
		t.Fatalf("nested field must inherit its file anchor, got %v", applied.AddedFmodels[0].Sch["parentAnchor"])
	}
	if applied.AddedFmodels[1].Sch["parentAnchor"] != "f1" {
		t.Fatalf("top-level added fmodel lost its parentAnchor: %v", applied.AddedFmodels[1].Sch["parentAnchor"])
	}

	if len(applied.CurrentFileRefs) != 1 || applied.CurrentFileRefs[0].ID != "file_1" {
		t.Fatalf("current file refs = %v", applied.CurrentFileRefs)
	}
	if !applied.AppliedAt.Equal(fixedNow) {
		t.Fatalf("applied at = %v, want %v", applied.AppliedAt, fixedNow)
	}

	if response["applied"] != true {
		t.Fatalf("response applied = %v", response["applied"])
	}
	if _, ok := response["project"].(map[string]any); !ok {
		t.Fatalf("response carries no wire project: %v", response)
	}
}

func TestPersistDiffRenamesStoredFileInPlace(t *testing.T) {
	fs, _ := seededStore()
	var applied *store.DiffOps
	fs.ApplyDiffFn = func(ctx context.Context, project store.Project, ops store.DiffOps) (store.DiffResult, error) {
		applied = &ops
		return store.DiffResult{FilesChanged: 1}, nil
	}
	service := newTestService(fs)

	payload := map[string]any{
		"changed": map[string]any{
			"files": map[string]any{
				"1": map[string]any{"$anchor": "f1", "key": map[string]any{"old": "core", "new": "api"}},
			},
		},
	}
	if _, err := service.PersistDiff(context.Background(), "shapes", payload, editorSession()); err != nil {
		t.Fatalf("PersistDiff: %v", err)
	}
	if applied == nil {
		t.Fatal("ApplyDiff was not invoked")
	}
	// The rename must target the stored row by its id, never re-insert
	// the pk under a key no conflict target arbitrates.
	if len(applied.UpdatedFiles) != 1 || len(applied.ChangedFiles) != 0 {
		t.Fatalf("staged updated=%d changed=%d, want 1/0", len(applied.UpdatedFiles), len(applied.ChangedFiles))
	}
	up := applied.UpdatedFiles[0]
	if up.ID != "file_1" || up.Key != "api" || up.Order != 1 {
		t.Fatalf("renamed file staged incorrectly: %+v", up)
	}
}

func TestPersistDiffUnknownChangedFileIsUpserted(t *testing.T) {
	fs, _ := seededStore()
	var applied *store.DiffOps
	fs.ApplyDiffFn = func(ctx context.Context, project store.Project, ops store.DiffOps) (store.DiffResult, error) {
		applied = &ops
		return store.DiffResult{FilesChanged: 1}, nil
	}
	service := newTestService(fs)

	payload := map[string]any{
		"changed": map[string]any{
			"files": map[string]any{
				"1": map[string]any{"$anchor": "f-elsewhere", "key": "core"},
			},
		},
	}
	if _, err := service.PersistDiff(context.Background(), "shapes", payload, editorSession()); err != nil {
		t.Fatalf("PersistDiff: %v", err)
	}
	if len(applied.ChangedFiles) != 1 || len(applied.UpdatedFiles) != 0 {
		t.Fatalf("staged changed=%d updated=%d, want 1/0", len(applied.ChangedFiles), len(applied.UpdatedFiles))
	}
	if applied.ChangedFiles[0].ID == "file_1" || applied.ChangedFiles[0].ID == "" {
		t.Fatalf("unknown changed file must get a fresh id, got %q", applied.ChangedFiles[0].ID)
	}
}

func TestPersistDiffKeyOnlyFmodelPatchKeepsStoredColumns(t *testing.T) {
	fs, _ := seededStore()
	var applied *store.DiffOps
	fs.ApplyDiffFn = func(ctx context.Context, project store.Project, ops store.DiffOps) (store.DiffResult, error) {
		applied = &ops
		return store.DiffResult{FmodelsChanged: 1}, nil
	}
	service := newTestService(fs)

	payload := map[string]any{
		"changed": map[string]any{
			"fmodels": map[string]any{
				"1": map[string]any{"$anchor": "m1", "key": "disc"},
			},
		},
	}
	if _, err := service.PersistDiff(context.Background(), "shapes", payload, editorSession()); err != nil {
		t.Fatalf("PersistDiff: %v", err)
	}
	if len(applied.ChangedFmodels) != 1 {
		t.Fatalf("changed fmodels = %d, want 1", len(applied.ChangedFmodels))
	}
	cm := applied.ChangedFmodels[0]
	if cm.Key == nil || *cm.Key != "disc" {
		t.Fatalf("key patch lost: %+v", cm)
	}
	// Columns the entry did not touch keep their stored values.
	if cm.Type == nil || *cm.Type != "object" {
		t.Fatalf("type regressed: %+v", cm)
	}
	if cm.IsEntry == nil || *cm.IsEntry != false {
		t.Fatalf("is_entry regressed: %+v", cm)
	}
	if cm.Sch["description"] != "a circle" {
		t.Fatalf("stored sch wiped by key-only patch: %+v", cm.Sch)
	}
	if _, leaked := cm.Sch["parentAnchor"]; leaked {
		t.Fatalf("parentAnchor leaked into sch: %+v", cm.Sch)
	}
}

func TestPersistDiffFmodelSchPatchReplacesStoredSch(t *testing.T) {
	fs, _ := seededStore()
	var applied *store.DiffOps
	fs.ApplyDiffFn = func(ctx context.Context, project store.Project, ops store.DiffOps) (store.DiffResult, error) {
		applied = &ops
		return store.DiffResult{FmodelsChanged: 1}, nil
	}
	service := newTestService(fs)

	payload := map[string]any{
		"changed": map[string]any{
			"fmodels": map[string]any{
				"1": map[string]any{"$anchor": "m1", "maxLength": float64(12)},
			},
		},
	}
	if _, err := service.PersistDiff(context.Background(), "shapes", payload, editorSession()); err != nil {
		t.Fatalf("PersistDiff: %v", err)
	}
	cm := applied.ChangedFmodels[0]
	if cm.Sch["maxLength"] != float64(12) {
		t.Fatalf("sch patch lost: %+v", cm.Sch)
	}
	if _, stale := cm.Sch["description"]; stale {
		t.Fatalf("an entry naming sch keys must replace the stored sch, got %+v", cm.Sch)
	}
}

func TestPersistDiffRemovedEntryUnwrapsEditedAnchor(t *testing.T) {
	fs, _ := seededStore()
	var applied *store.DiffOps
	fs.ApplyDiffFn = func(ctx context.Context, project store.Project, ops store.DiffOps) (store.DiffResult, error) {
		applied = &ops
		return store.DiffResult{FmodelsRemoved: 1}, nil
	}
	service := newTestService(fs)

	payload := map[string]any{
		"removed": map[string]any{
			"fmodels": map[string]any{
				"1": map[string]any{"$anchor": map[string]any{"old": "m9", "new": "m9"}},
			},
		},
	}
	if _, err := service.PersistDiff(context.Background(), "shapes", payload, editorSession()); err != nil {
		t.Fatalf("PersistDiff: %v", err)
	}
	if len(applied.RemovedFmodelAnchors) != 1 || applied.RemovedFmodelAnchors[0] != "m9" {
		t.Fatalf("removed anchors = %v, want [m9]", applied.RemovedFmodelAnchors)
	}
}

func TestPersistDiffChangedFmodelCannotParentOnAddedFile(t *testing.T) {
	fs, _ := seededStore()
	applyCalled := false
	fs.ApplyDiffFn = func(ctx context.Context, project store.Project, ops store.DiffOps) (store.DiffResult, error) {
		applyCalled = true
		return store.DiffResult{}, nil
	}
	service := newTestService(fs)

	// The changed fmodel points at a file only introduced by this same
	// diff. Changed entries resolve against pre-existing files only, so
	// the whole application must fail with no store call.
	payload := map[string]any{
		"changed": map[string]any{
			"fmodels": map[string]any{
				"1": map[string]any{"$anchor": "m1", "parentAnchor": "f-new"},
			},
		},
		"added": map[string]any{
			"files": map[string]any{
				"2": map[string]any{"$anchor": "f-new", "key": "fresh"},
			},
		},
	}

	_, err := service.PersistDiff(context.Background(), "shapes", payload, editorSession())
	var unresolved *diff.UnresolvedParentError
	if !errors.As(err, &unresolved) {
		t.Fatalf("err = %v, want UnresolvedParentError", err)
	}
	if unresolved.ParentAnchor != "f-new" {
		t.Fatalf("offending parent = %q", unresolved.ParentAnchor)
	}
	if applyCalled {
		t.Fatal("ApplyDiff must not run when staging fails")
	}
}

func TestPersistDiffMalformedEntry(t *testing.T) {
	fs, _ := seededStore()
	applyCalled := false
	fs.ApplyDiffFn = func(ctx context.Context, project store.Project, ops store.DiffOps) (store.DiffResult, error) {
		applyCalled = true
		return store.DiffResult{}, nil
	}
	service := newTestService(fs)

	payload := map[string]any{
		"removed": map[string]any{
			"files": map[string]any{
				"1": map[string]any{"key": "anchorless"},
			},
		},
	}

	_, err := service.PersistDiff(context.Background(), "shapes", payload, editorSession())
	var malformed *diff.MalformedEntryError
	if !errors.As(err, &malformed) {
		t.Fatalf("err = %v, want MalformedEntryError", err)
	}
	if applyCalled {
		t.Fatal("ApplyDiff must not run for a malformed entry")
	}
}

func TestPersistDiffProjectAnchorMismatch(t *testing.T) {
	fs, _ := seededStore()
	service := newTestService(fs)

	payload := map[string]any{
		"changed": map[string]any{
			"project": map[string]any{"$anchor": "someone-else", "description": "x"},
		},
	}

	_, err := service.PersistDiff(context.Background(), "shapes", payload, editorSession())
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}
}

func TestPersistDiffEmptyIsNoOp(t *testing.T) {
	fs, _ := seededStore()
	applyCalled := false
	fs.ApplyDiffFn = func(ctx context.Context, project store.Project, ops store.DiffOps) (store.DiffResult, error) {
		applyCalled = true
		return store.DiffResult{}, nil
	}
	service := newTestService(fs)

	response, err := service.PersistDiff(context.Background(), "shapes", map[string]any{}, editorSession())
	if err != nil {
		t.Fatalf("PersistDiff: %v", err)
	}
	if response["applied"] != false {
		t.Fatalf("applied = %v, want false", response["applied"])
	}
	if applyCalled {
		t.Fatal("an empty diff must not reach the store")
	}
}

func TestPersistDiffMapsStoreConflict(t *testing.T) {
	fs, _ := seededStore()
	fs.ApplyDiffFn = func(ctx context.Context, project store.Project, ops store.DiffOps) (store.DiffResult, error) {
		return store.DiffResult{}, fmt.Errorf("upsert changed files: %w", &pgconn.PgError{Code: "23505"})
	}
	service := newTestService(fs)

	payload := map[string]any{
		"changed": map[string]any{
			"files": map[string]any{
				"1": map[string]any{"$anchor": "f1", "key": "core"},
			},
		},
	}
	_, err := service.PersistDiff(context.Background(), "shapes", payload, editorSession())
	if err == nil {
		t.Fatal("expected an error")
	}
	status, code, _, _ := mapError(err)
	if status != 409 || code != "CONFLICT_VIOLATION" {
		t.Fatalf("mapped to %d %s, want 409 CONFLICT_VIOLATION", status, code)
	}
}

func TestPersistDiffForbiddenForViewer(t *testing.T) {
	fs, _ := seededStore()
	fs.GetProjectRoleFn = func(ctx context.Context, projectID, userID string) (string, error) {
		return "viewer", nil
	}
	service := newTestService(fs)

	payload := map[string]any{
		"changed": map[string]any{
			"files": map[string]any{"1": map[string]any{"$anchor": "f1", "key": "k"}},
		},
	}
	_, err := service.PersistDiff(context.Background(), "shapes", payload, editorSession())
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("err = %v, want 403", err)
	}
}

func TestProjectWireSpreadsSch(t *testing.T) {
	fs, project := seededStore()
	service := newTestService(fs)

	wire, err := service.projectWire(context.Background(), project)
	if err != nil {
		t.Fatalf("projectWire: %v", err)
	}
	files, ok := wire["files"].([]map[string]any)
	if !ok || len(files) != 1 {
		t.Fatalf("files = %v", wire["files"])
	}
	fmodels, ok := files[0]["fmodels"].([]map[string]any)
	if !ok || len(fmodels) != 1 {
		t.Fatalf("fmodels = %v", files[0]["fmodels"])
	}
	fm := fmodels[0]
	if fm["$anchor"] != "m1" || fm["key"] != "circle" || fm["type"] != "object" || fm["is_entry"] != false {
		t.Fatalf("fmodel columns missing from wire: %v", fm)
	}
	if fm["description"] != "a circle" {
		t.Fatalf("sch not spread at top level: %v", fm)
	}
}

func TestCreateProjectSlugsKeyAndRecordsOwner(t *testing.T) {
	fs, _ := seededStore()
	fs.GetProjectByKeyFn = func(ctx context.Context, key string) (store.Project, error) {
		return store.Project{}, sql.ErrNoRows
	}
	var inserted store.Project
	fs.InsertProjectFn = func(ctx context.Context, item store.Project) error {
		inserted = item
		return nil
	}
	var memberRole string
	fs.UpsertProjectMemberFn = func(ctx context.Context, projectID, userID, role string) error {
		memberRole = role
		return nil
	}
	fs.ListProjectFilesFn = nil
	fs.ListProjectFmodelsFn = nil
	service := newTestService(fs)

	wire, err := service.CreateProject(context.Background(), editorSession(), "My Schemas!", "demo")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if inserted.Key != "my-schemas" {
		t.Fatalf("key = %q, want my-schemas", inserted.Key)
	}
	if memberRole != "owner" {
		t.Fatalf("creator role = %q, want owner", memberRole)
	}
	if wire["key"] != "my-schemas" {
		t.Fatalf("wire key = %v", wire["key"])
	}
}

func TestCreateProjectRejectsTakenKey(t *testing.T) {
	fs, project := seededStore()
	fs.GetProjectByKeyFn = func(ctx context.Context, key string) (store.Project, error) {
		return project, nil
	}
	service := newTestService(fs)

	_, err := service.CreateProject(context.Background(), editorSession(), "shapes", "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "CONFLICT_VIOLATION" {
		t.Fatalf("err = %v, want CONFLICT_VIOLATION", err)
	}
}

func TestRemoveMemberKeepsLastOwner(t *testing.T) {
	fs, _ := seededStore()
	fs.GetProjectRoleFn = func(ctx context.Context, projectID, userID string) (string, error) {
		return "owner", nil
	}
	fs.ListProjectMembersFn = func(ctx context.Context, projectID string) ([]store.ProjectMember, error) {
		return []store.ProjectMember{
			{ProjectID: projectID, UserID: "user_1", Role: "owner"},
			{ProjectID: projectID, UserID: "user_2", Role: "viewer"},
		}, nil
	}
	service := newTestService(fs)

	err := service.RemoveMember(context.Background(), editorSession(), "shapes", "user_1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("err = %v, want VALIDATION_ERROR for last owner", err)
	}

	if err := service.RemoveMember(context.Background(), editorSession(), "shapes", "user_2"); err != nil {
		t.Fatalf("removing a viewer: %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	fs, _ := seededStore()
	service := newTestService(fs)

	issued, err := service.CreateSession(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if issued.Token == "" || issued.RefreshToken == "" {
		t.Fatalf("incomplete session: %+v", issued)
	}

	parsed, err := service.SessionFromToken(context.Background(), issued.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != "user_1" || parsed.JTI != issued.JTI {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestSessionRejectsRevokedJTI(t *testing.T) {
	fs, _ := seededStore()
	fs.IsAccessTokenRevokedFn = func(ctx context.Context, jti string) (bool, error) {
		return true, nil
	}
	service := newTestService(fs)

	issued, err := service.CreateSession(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := service.SessionFromToken(context.Background(), issued.Token); err == nil {
		t.Fatal("revoked token must not authenticate")
	}
}

func TestCompareRendersUnifiedDiff(t *testing.T) {
	fs, _ := seededStore()
	service := newTestService(fs)
	service.snapshots = &fakeSnapshots{
		ContentFn: func(projectID, hash string) ([]byte, error) {
			if hash == "aaaa1111" {
				return []byte(`{"key":"shapes","files":[]}`), nil
			}
			return []byte(`{"key":"shapes-v2","files":[]}`), nil
		},
	}

	payload, err := service.Compare(context.Background(), editorSession(), "shapes", "aaaa1111", "bbbb2222")
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	unified, _ := payload["diff"].(string)
	if unified == "" {
		t.Fatal("empty diff for differing snapshots")
	}
	if want := "schema.json@aaaa111"; !strings.Contains(unified, want) {
		t.Fatalf("diff header missing %q:\n%s", want, unified)
	}
	if !strings.Contains(unified, "-") || !strings.Contains(unified, "+") {
		t.Fatalf("diff has no hunks:\n%s", unified)
	}
}

