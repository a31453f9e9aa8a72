package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/50kudos/fset/internal/artifact"
	"github.com/50kudos/fset/internal/auth"
	"github.com/50kudos/fset/internal/authpw"
	"github.com/50kudos/fset/internal/config"
	"github.com/50kudos/fset/internal/diff"
	"github.com/50kudos/fset/internal/email"
	"github.com/50kudos/fset/internal/export"
	"github.com/50kudos/fset/internal/live"
	"github.com/50kudos/fset/internal/rbac"
	"github.com/50kudos/fset/internal/search"
	"github.com/50kudos/fset/internal/snapshot"
	"github.com/50kudos/fset/internal/store"
	"github.com/50kudos/fset/internal/util"
)

// Session is an authenticated caller.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetProjectByKey(ctx context.Context, key string) (store.Project, error)
	GetProjectByAnchor(ctx context.Context, anchor string) (store.Project, error)
	InsertProject(ctx context.Context, item store.Project) error
	DeleteProject(ctx context.Context, projectID string) error
	ListProjects(ctx context.Context, userID string) ([]store.Project, error)
	CountProjects(ctx context.Context) (int, error)
	ListProjectFiles(ctx context.Context, projectID string) ([]store.File, error)
	ListProjectFmodels(ctx context.Context, projectID string) ([]store.Fmodel, error)
	ApplyDiff(ctx context.Context, project store.Project, ops store.DiffOps) (store.DiffResult, error)
	UpsertProjectMember(ctx context.Context, projectID, userID, role string) error
	RemoveProjectMember(ctx context.Context, projectID, userID string) error
	ListProjectMembers(ctx context.Context, projectID string) ([]store.ProjectMember, error)
	GetProjectRole(ctx context.Context, projectID, userID string) (string, error)
	InsertNamedVersion(ctx context.Context, item store.NamedVersion) error
	ListNamedVersions(ctx context.Context, projectID string) ([]store.NamedVersion, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions. PostgresStore satisfies it; a
// Redis-backed store replaces it when REDIS_URL is set.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type snapshotService interface {
	EnsureProjectRepo(projectID string, doc map[string]any, author string) error
	Commit(projectID string, doc map[string]any, author, message string) (store.CommitInfo, error)
	Content(projectID, hash string) ([]byte, error)
	CommitByHash(projectID, hash string) (store.CommitInfo, error)
	History(projectID string, limit int) ([]store.CommitInfo, error)
	Tag(projectID, hash, name string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	snapshots snapshotService
	search    *search.Service
	exporter  *export.Service
	artifacts *artifact.Store
	live      *live.Hub
	email     *email.Service
	authpw    *authpw.Service

	now   func() time.Time
	newID func(prefix string) string
}

func New(cfg config.Config, dataStore *store.PostgresStore, snapshots *snapshot.Service, searchService *search.Service) *Service {
	return newService(cfg, dataStore, dataStore, snapshots, searchService)
}

// NewWithSessionStore is New with refresh sessions held outside
// Postgres.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, snapshots *snapshot.Service, searchService *search.Service) *Service {
	return newService(cfg, dataStore, sessions, snapshots, searchService)
}

func newService(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, snapshots *snapshot.Service, searchService *search.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		snapshots: snapshots,
		search:    searchService,
		exporter:  export.NewService(),
		authpw:    authpw.NewService(dataStore, cfg.JWTSecret),
		email: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
		now:   time.Now,
		newID: util.NewID,
	}
}

// SetArtifactStore enables upload of generated exports.
func (s *Service) SetArtifactStore(a *artifact.Store) { s.artifacts = a }

// SetLiveHub enables the collaboration feed.
func (s *Service) SetLiveHub(h *live.Hub) { s.live = h }

func (s *Service) AuthPasswordService() *authpw.Service { return s.authpw }

func (s *Service) SMTPConfigured() bool { return s.email.IsConfigured() }

func (s *Service) LiveHub() *live.Hub { return s.live }

// SendVerificationEmail delivers the sign-up verification mail when
// SMTP is configured; otherwise it is a no-op and the caller falls back
// to the dev token flow.
func (s *Service) SendVerificationEmail(to, userName, token string) {
	if !s.email.IsConfigured() {
		return
	}
	url := fmt.Sprintf("%s/verify-email?token=%s", strings.TrimRight(s.cfg.CORSOrigin, "/"), token)
	if err := s.email.SendVerificationEmail(to, userName, url); err != nil {
		log.Printf("warn: send verification email to %s: %v", to, err)
	}
}

func (s *Service) SendPasswordResetEmail(to, userName, token string) {
	if !s.email.IsConfigured() {
		return
	}
	url := fmt.Sprintf("%s/reset-password?token=%s", strings.TrimRight(s.cfg.CORSOrigin, "/"), token)
	if err := s.email.SendPasswordResetEmail(to, userName, url); err != nil {
		log.Printf("warn: send password reset email to %s: %v", to, err)
	}
}

// ---- sessions ----

// CreateSession issues an access/refresh token pair for a known user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The session store may carry the user id only; issue from the
	// current user row so name and role changes take effect here.
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := s.newID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ---- membership / authorization ----

// roleFor resolves the caller's effective role on a project. A global
// admin acts as owner everywhere.
func (s *Service) roleFor(ctx context.Context, projectID string, session Session) (rbac.Role, error) {
	if session.Role == "admin" {
		return rbac.RoleOwner, nil
	}
	role, err := s.store.GetProjectRole(ctx, projectID, session.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return rbac.Normalize(role), nil
}

func (s *Service) requireRole(ctx context.Context, projectID string, session Session, action rbac.Action) error {
	role, err := s.roleFor(ctx, projectID, session)
	if err != nil {
		return err
	}
	if role == "" {
		return domainError(404, "NOT_FOUND", "Project not found", nil)
	}
	if !rbac.Can(role, action) {
		return domainError(403, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// AuthorizeProject loads a project by key and checks the caller may
// perform action on it.
func (s *Service) AuthorizeProject(ctx context.Context, session Session, key string, action rbac.Action) (store.Project, error) {
	project, err := s.store.GetProjectByKey(ctx, key)
	if err != nil {
		return store.Project{}, err
	}
	if err := s.requireRole(ctx, project.ID, session, action); err != nil {
		return store.Project{}, err
	}
	return project, nil
}

// ---- diff application ----

// PersistDiff applies one client-submitted diff to a project: stage the
// update, delete, and insert phases, run them as one transaction, then
// fan the committed result out to the snapshot history, the search
// index, and the live feed.
func (s *Service) PersistDiff(ctx context.Context, projectKey string, payload map[string]any, session Session) (map[string]any, error) {
	project, err := s.store.GetProjectByKey(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, project.ID, session, rbac.ActionEdit); err != nil {
		return nil, err
	}

	d, err := diff.Parse(payload)
	if err != nil {
		return nil, domainError(422, "VALIDATION_ERROR", err.Error(), nil)
	}
	if d.Empty() {
		wire, err := s.projectWire(ctx, project)
		if err != nil {
			return nil, err
		}
		return map[string]any{"applied": false, "project": wire}, nil
	}

	files, err := s.store.ListProjectFiles(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	fmodels, err := s.store.ListProjectFmodels(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	ops, err := s.stageDiff(project, d, files, fmodels)
	if err != nil {
		return nil, err
	}

	result, err := s.store.ApplyDiff(ctx, project, ops)
	if err != nil {
		return nil, err
	}

	// Key may have changed in the update phase; reload before building
	// the wire representation.
	fresh, err := s.store.GetProjectByAnchor(ctx, project.Anchor)
	if err != nil {
		fresh = project
	}
	wire, err := s.projectWire(ctx, fresh)
	if err != nil {
		return nil, err
	}

	s.fanOutCommitted(ctx, fresh, wire, result, session)

	return map[string]any{
		"applied": true,
		"project": wire,
		"result": map[string]any{
			"projectPatched": result.ProjectPatched,
			"filesChanged":   result.FilesChanged,
			"fmodelsChanged": result.FmodelsChanged,
			"filesRemoved":   result.FilesRemoved,
			"fmodelsRemoved": result.FmodelsRemoved,
			"filesAdded":     result.FilesAdded,
			"fmodelsAdded":   result.FmodelsAdded,
		},
	}, nil
}

// stageDiff translates a parsed diff into the staged operation set.
// Changed fmodels are parent-resolved here against the pre-existing
// files only; a changed fmodel whose parent is a file added in the same
// diff does not resolve and the whole application fails. Added fmodels
// stay unresolved so the transaction can resolve them against files it
// inserts itself.
func (s *Service) stageDiff(project store.Project, d diff.Diff, files []store.File, fmodels []store.Fmodel) (store.DiffOps, error) {
	ops := store.DiffOps{AppliedAt: s.now()}

	fileByAnchor := make(map[string]store.File, len(files))
	ops.CurrentFileRefs = make([]diff.FileRef, 0, len(files))
	for _, f := range files {
		fileByAnchor[f.Anchor] = f
		ops.CurrentFileRefs = append(ops.CurrentFileRefs, diff.FileRef{ID: f.ID, Anchor: f.Anchor})
	}
	fileAnchorByID := make(map[string]string, len(files))
	for _, f := range files {
		fileAnchorByID[f.ID] = f.Anchor
	}
	fmodelByAnchor := make(map[string]store.Fmodel, len(fmodels))
	for _, fm := range fmodels {
		fmodelByAnchor[fm.Anchor] = fm
	}

	if d.Changed.Project != nil {
		patch, err := diff.TranslateProject(d.Changed.Project)
		if err != nil {
			return store.DiffOps{}, err
		}
		if patch.Anchor != project.Anchor {
			return store.DiffOps{}, domainError(422, "VALIDATION_ERROR", "changed project anchor does not match the addressed project", nil)
		}
		ops.ProjectPatch = &patch
	}

	changedFmodelPatches := make([]diff.FmodelPatch, 0, len(d.Changed.Fmodels))

	for _, id := range sortedEntryIDs(d.Changed.Files) {
		patch, err := diff.TranslateFile(d.Changed.Files[id])
		if err != nil {
			return store.DiffOps{}, err
		}
		base, known := fileByAnchor[patch.Anchor]
		up := store.FileUpsert{
			ID:        base.ID,
			ProjectID: project.ID,
			Anchor:    patch.Anchor,
			Key:       base.Key,
			Order:     base.Order,
		}
		if !known {
			up.ID = s.newID("file")
		}
		if patch.Key != nil {
			up.Key = *patch.Key
		}
		if patch.Order != nil {
			up.Order = *patch.Order
		}
		// A stored row is patched in place by id; re-inserting its
		// primary key under a renamed key would collide with itself.
		if known {
			ops.UpdatedFiles = append(ops.UpdatedFiles, up)
		} else {
			ops.ChangedFiles = append(ops.ChangedFiles, up)
		}
		changedFmodelPatches = append(changedFmodelPatches, patch.Fmodels...)
	}

	for _, id := range sortedEntryIDs(d.Changed.Fmodels) {
		patch, err := diff.TranslateFmodel(d.Changed.Fmodels[id])
		if err != nil {
			return store.DiffOps{}, err
		}
		changedFmodelPatches = append(changedFmodelPatches, patch)
	}

	// A changed fmodel entry carries only what the client edited. Fill
	// every absent column from the stored row so the upsert does not
	// regress the untouched ones, and backfill parentAnchor for fmodels
	// that did not move so the guard can resolve every patch. An entry
	// that names sch payload keys replaces the stored sch wholesale.
	for i := range changedFmodelPatches {
		patch := &changedFmodelPatches[i]
		existing, known := fmodelByAnchor[patch.Anchor]
		if known {
			if patch.Key == nil {
				patch.Key = strPtr(existing.Key)
			}
			if patch.Type == nil {
				patch.Type = strPtr(existing.Type)
			}
			if patch.IsEntry == nil {
				patch.IsEntry = boolPtr(existing.IsEntry)
			}
			if !schTouched(patch.Sch) {
				for k, v := range existing.Sch {
					patch.Sch[k] = v
				}
			}
		}
		if _, moved := patch.Sch["parentAnchor"]; !moved && known {
			patch.Sch["parentAnchor"] = fileAnchorByID[existing.FileID]
		}
	}
	if len(changedFmodelPatches) > 0 {
		resolved, err := diff.ResolveParents(changedFmodelPatches, ops.CurrentFileRefs)
		if err != nil {
			return store.DiffOps{}, err
		}
		ops.ChangedFmodels = resolved
	}

	for _, id := range sortedEntryIDs(d.Removed.Files) {
		anchor, err := diff.Anchor(d.Removed.Files[id])
		if err != nil {
			return store.DiffOps{}, err
		}
		ops.RemovedFileAnchors = append(ops.RemovedFileAnchors, anchor)
	}
	for _, id := range sortedEntryIDs(d.Removed.Fmodels) {
		anchor, err := diff.Anchor(d.Removed.Fmodels[id])
		if err != nil {
			return store.DiffOps{}, err
		}
		ops.RemovedFmodelAnchors = append(ops.RemovedFmodelAnchors, anchor)
	}

	for _, id := range sortedEntryIDs(d.Added.Files) {
		patch, err := diff.TranslateFile(d.Added.Files[id])
		if err != nil {
			return store.DiffOps{}, err
		}
		up := store.FileUpsert{
			ID:        s.newID("file"),
			ProjectID: project.ID,
			Anchor:    patch.Anchor,
		}
		if patch.Key != nil {
			up.Key = *patch.Key
		}
		if patch.Order != nil {
			up.Order = *patch.Order
		}
		ops.AddedFiles = append(ops.AddedFiles, up)
		ops.AddedFmodels = append(ops.AddedFmodels, patch.Fmodels...)
	}
	for _, id := range sortedEntryIDs(d.Added.Fmodels) {
		patch, err := diff.TranslateFmodel(d.Added.Fmodels[id])
		if err != nil {
			return store.DiffOps{}, err
		}
		ops.AddedFmodels = append(ops.AddedFmodels, patch)
	}

	return ops, nil
}

// fanOutCommitted runs the non-fatal post-commit work. Failures are
// logged and never surface to the caller; the diff is already durable.
func (s *Service) fanOutCommitted(ctx context.Context, project store.Project, wire map[string]any, result store.DiffResult, session Session) {
	author := session.UserName
	if author == "" {
		author = "fset"
	}
	message := fmt.Sprintf("apply diff: %+d/%+d/-%d entries",
		result.FilesAdded+result.FmodelsAdded,
		result.FilesChanged+result.FmodelsChanged,
		result.FilesRemoved+result.FmodelsRemoved,
	)
	if _, err := s.snapshots.Commit(project.ID, wire, author, message); err != nil {
		log.Printf("warn: snapshot commit for %s: %v", project.Key, err)
	}

	if s.search != nil {
		s.indexProject(ctx, project)
	}
	if s.live != nil {
		s.live.Broadcast(project.ID, map[string]any{"type": "diff_committed", "project": wire})
	}
}

func (s *Service) indexProject(ctx context.Context, project store.Project) {
	s.search.IndexProject(search.ProjectRecord{
		ID:          project.ID,
		Anchor:      project.Anchor,
		Key:         project.Key,
		Description: project.Description,
	})

	files, err := s.store.ListProjectFiles(ctx, project.ID)
	if err != nil {
		log.Printf("warn: index project %s: %v", project.Key, err)
		return
	}
	fileKeyByID := make(map[string]string, len(files))
	for _, f := range files {
		fileKeyByID[f.ID] = f.Key
	}
	fmodels, err := s.store.ListProjectFmodels(ctx, project.ID)
	if err != nil {
		log.Printf("warn: index project %s: %v", project.Key, err)
		return
	}
	for _, fm := range fmodels {
		s.search.IndexFmodel(search.FmodelRecord{
			ID:         fm.ID,
			Anchor:     fm.Anchor,
			Key:        fm.Key,
			Type:       fm.Type,
			FileKey:    fileKeyByID[fm.FileID],
			ProjectID:  project.ID,
			ProjectKey: project.Key,
		})
	}
}

// ---- wire representation ----

// projectWire builds the nested document a client diffs against: the
// stored sch spread at top level per fmodel, merged with its dedicated
// columns, files and fmodels in display order.
func (s *Service) projectWire(ctx context.Context, project store.Project) (map[string]any, error) {
	files, err := s.store.ListProjectFiles(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	fmodels, err := s.store.ListProjectFmodels(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	byFile := make(map[string][]store.Fmodel)
	for _, fm := range fmodels {
		byFile[fm.FileID] = append(byFile[fm.FileID], fm)
	}

	wireFiles := make([]map[string]any, 0, len(files))
	for _, f := range files {
		members := byFile[f.ID]
		wireFmodels := make([]map[string]any, 0, len(members))
		for _, fm := range members {
			wireFmodels = append(wireFmodels, fmodelWire(fm))
		}
		wireFiles = append(wireFiles, map[string]any{
			"$anchor": f.Anchor,
			"key":     f.Key,
			"order":   f.Order,
			"fmodels": wireFmodels,
		})
	}

	return map[string]any{
		"$anchor":     project.Anchor,
		"key":         project.Key,
		"order":       project.Order,
		"description": project.Description,
		"files":       wireFiles,
		"updatedAt":   project.UpdatedAt.UTC().Format(time.RFC3339),
	}, nil
}

func fmodelWire(fm store.Fmodel) map[string]any {
	wire := make(map[string]any, len(fm.Sch)+4)
	for k, v := range fm.Sch {
		wire[k] = v
	}
	wire["$anchor"] = fm.Anchor
	wire["key"] = fm.Key
	wire["type"] = fm.Type
	wire["is_entry"] = fm.IsEntry
	return wire
}

// ---- projects ----

func (s *Service) CreateProject(ctx context.Context, session Session, key, description string) (map[string]any, error) {
	projectKey := slug.Make(strings.TrimSpace(key))
	if projectKey == "" {
		projectKey = "project-" + s.newID("")[:8]
	}
	if _, err := s.store.GetProjectByKey(ctx, projectKey); err == nil {
		return nil, domainError(409, "CONFLICT_VIOLATION", fmt.Sprintf("Project key %q is taken", projectKey), nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := s.now()
	project := store.Project{
		ID:          s.newID("proj"),
		Anchor:      s.newID("anc"),
		Key:         projectKey,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		if store.IsConflict(err) {
			return nil, domainError(409, "CONFLICT_VIOLATION", fmt.Sprintf("Project key %q is taken", projectKey), nil)
		}
		return nil, err
	}
	if err := s.store.UpsertProjectMember(ctx, project.ID, session.UserID, string(rbac.RoleOwner)); err != nil {
		return nil, err
	}

	wire, err := s.projectWire(ctx, project)
	if err != nil {
		return nil, err
	}
	if err := s.snapshots.EnsureProjectRepo(project.ID, wire, session.UserName); err != nil {
		log.Printf("warn: ensure snapshot repo for %s: %v", project.Key, err)
	}
	if s.search != nil {
		s.search.IndexProject(search.ProjectRecord{
			ID:          project.ID,
			Anchor:      project.Anchor,
			Key:         project.Key,
			Description: project.Description,
		})
	}
	return wire, nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]map[string]any, error) {
	projects, err := s.store.ListProjects(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		role, err := s.roleFor(ctx, p.ID, session)
		if err != nil {
			return nil, err
		}
		items = append(items, map[string]any{
			"$anchor":     p.Anchor,
			"key":         p.Key,
			"order":       p.Order,
			"description": p.Description,
			"role":        string(role),
			"updatedAt":   p.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return items, nil
}

func (s *Service) GetProject(ctx context.Context, session Session, key string) (map[string]any, error) {
	project, err := s.store.GetProjectByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, project.ID, session, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.projectWire(ctx, project)
}

func (s *Service) DeleteProject(ctx context.Context, session Session, key string) error {
	project, err := s.store.GetProjectByKey(ctx, key)
	if err != nil {
		return err
	}
	if err := s.requireRole(ctx, project.ID, session, rbac.ActionManage); err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, project.ID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteProject(project.ID)
	}
	return nil
}

// ---- members ----

func (s *Service) ListMembers(ctx context.Context, session Session, key string) ([]map[string]any, error) {
	project, err := s.store.GetProjectByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, project.ID, session, rbac.ActionView); err != nil {
		return nil, err
	}
	members, err := s.store.ListProjectMembers(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, m := range members {
		items = append(items, map[string]any{
			"userId":      m.UserID,
			"email":       m.UserEmail,
			"displayName": m.UserDisplayName,
			"role":        m.Role,
			"since":       m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return items, nil
}

func (s *Service) AddMember(ctx context.Context, session Session, key, memberEmail, role string) (map[string]any, error) {
	project, err := s.store.GetProjectByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, project.ID, session, rbac.ActionManage); err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(memberEmail))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(404, "NOT_FOUND", "No account with that email", nil)
		}
		return nil, err
	}
	normalized := rbac.Normalize(role)
	if err := s.store.UpsertProjectMember(ctx, project.ID, user.ID, string(normalized)); err != nil {
		return nil, err
	}
	return map[string]any{
		"userId":      user.ID,
		"email":       user.Email,
		"displayName": user.DisplayName,
		"role":        string(normalized),
	}, nil
}

func (s *Service) RemoveMember(ctx context.Context, session Session, key, userID string) error {
	project, err := s.store.GetProjectByKey(ctx, key)
	if err != nil {
		return err
	}
	if err := s.requireRole(ctx, project.ID, session, rbac.ActionManage); err != nil {
		return err
	}

	members, err := s.store.ListProjectMembers(ctx, project.ID)
	if err != nil {
		return err
	}
	owners := 0
	target := ""
	for _, m := range members {
		if m.Role == string(rbac.RoleOwner) {
			owners++
		}
		if m.UserID == userID {
			target = m.Role
		}
	}
	if target == string(rbac.RoleOwner) && owners <= 1 {
		return domainError(422, "VALIDATION_ERROR", "A project must keep at least one owner", nil)
	}
	return s.store.RemoveProjectMember(ctx, project.ID, userID)
}

// ---- history / snapshots ----

func (s *Service) History(ctx context.Context, session Session, key string, limit int) (map[string]any, error) {
	project, err := s.store.GetProjectByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, project.ID, session, rbac.ActionView); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	commits, err := s.snapshots.History(project.ID, limit)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListNamedVersions(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	nameByHash := make(map[string][]string)
	for _, v := range versions {
		nameByHash[shortHash(v.Hash)] = append(nameByHash[shortHash(v.Hash)], v.Name)
	}

	wireCommits := make([]map[string]any, 0, len(commits))
	for _, c := range commits {
		item := map[string]any{
			"hash":    c.Hash,
			"message": c.Message,
			"author":  c.Author,
			"at":      c.CreatedAt.UTC().Format(time.RFC3339),
		}
		if names := nameByHash[shortHash(c.Hash)]; len(names) > 0 {
			item["versions"] = names
		}
		wireCommits = append(wireCommits, item)
	}

	wireVersions := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		wireVersions = append(wireVersions, map[string]any{
			"name":      v.Name,
			"hash":      v.Hash,
			"createdBy": v.CreatedBy,
			"at":        v.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	return map[string]any{"commits": wireCommits, "namedVersions": wireVersions}, nil
}

func (s *Service) Snapshot(ctx context.Context, session Session, key, hash string) (map[string]any, error) {
	project, err := s.store.GetProjectByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, project.ID, session, rbac.ActionView); err != nil {
		return nil, err
	}
	content, err := s.snapshots.Content(project.ID, hash)
	if err != nil {
		return nil, domainError(404, "NOT_FOUND", "Snapshot not found", nil)
	}
	info, err := s.snapshots.CommitByHash(project.ID, hash)
	if err != nil {
		return nil, domainError(404, "NOT_FOUND", "Snapshot not found", nil)
	}
	return map[string]any{
		"hash":    info.Hash,
		"message": info.Message,
		"author":  info.Author,
		"at":      info.CreatedAt.UTC().Format(time.RFC3339),
		"project": json.RawMessage(content),
	}, nil
}

// Compare renders a unified diff of the pretty-printed schema document
// between two snapshot hashes.
func (s *Service) Compare(ctx context.Context, session Session, key, fromHash, toHash string) (map[string]any, error) {
	project, err := s.store.GetProjectByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, project.ID, session, rbac.ActionView); err != nil {
		return nil, err
	}
	from, err := s.snapshots.Content(project.ID, fromHash)
	if err != nil {
		return nil, domainError(404, "NOT_FOUND", "Snapshot not found", map[string]any{"hash": fromHash})
	}
	to, err := s.snapshots.Content(project.ID, toHash)
	if err != nil {
		return nil, domainError(404, "NOT_FOUND", "Snapshot not found", map[string]any{"hash": toHash})
	}

	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(prettyJSON(from)),
		B:        difflib.SplitLines(prettyJSON(to)),
		FromFile: "schema.json@" + shortHash(fromHash),
		ToFile:   "schema.json@" + shortHash(toHash),
		Context:  3,
	})
	if err != nil {
		return nil, fmt.Errorf("build unified diff: %w", err)
	}

	return map[string]any{
		"from": shortHash(fromHash),
		"to":   shortHash(toHash),
		"diff": unified,
	}, nil
}

func (s *Service) SaveNamedVersion(ctx context.Context, session Session, key, name, hash string) (map[string]any, error) {
	project, err := s.store.GetProjectByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, project.ID, session, rbac.ActionManage); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "Version name is required", nil)
	}
	if _, err := s.snapshots.CommitByHash(project.ID, hash); err != nil {
		return nil, domainError(404, "NOT_FOUND", "Snapshot not found", map[string]any{"hash": hash})
	}

	tag := slug.Make(trimmed) + "-" + shortHash(hash)
	if err := s.snapshots.Tag(project.ID, hash, tag); err != nil {
		return nil, fmt.Errorf("tag snapshot: %w", err)
	}
	version := store.NamedVersion{
		ProjectID: project.ID,
		Name:      trimmed,
		Hash:      hash,
		CreatedBy: session.UserName,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertNamedVersion(ctx, version); err != nil {
		return nil, err
	}
	return map[string]any{
		"name":      version.Name,
		"hash":      version.Hash,
		"tag":       tag,
		"createdBy": version.CreatedBy,
		"at":        version.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

// ---- search ----

// Search runs a query scoped to the projects the caller can view.
func (s *Service) Search(ctx context.Context, session Session, text, filterType, projectKey string, limit, offset int) (map[string]any, error) {
	if s.search == nil {
		return map[string]any{"results": []any{}, "total": 0, "query": text}, nil
	}

	q := search.Query{Text: text, Limit: limit, Offset: offset}
	switch filterType {
	case "project":
		q.FilterType = search.ResultProject
	case "fmodel":
		q.FilterType = search.ResultFmodel
	case "":
	default:
		return nil, domainError(422, "VALIDATION_ERROR", "type must be project or fmodel", nil)
	}

	visible := map[string]bool{}
	if projectKey != "" {
		project, err := s.store.GetProjectByKey(ctx, projectKey)
		if err != nil {
			return nil, err
		}
		if err := s.requireRole(ctx, project.ID, session, rbac.ActionView); err != nil {
			return nil, err
		}
		q.FilterProjectID = project.ID
		visible[project.ID] = true
	} else {
		projects, err := s.store.ListProjects(ctx, session.UserID)
		if err != nil {
			return nil, err
		}
		for _, p := range projects {
			visible[p.ID] = true
		}
	}

	resp := s.search.Search(q)
	scoped := make([]search.Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		if visible[r.ProjectID] || session.Role == "admin" {
			scoped = append(scoped, r)
		}
	}
	return map[string]any{"results": scoped, "total": len(scoped), "query": text}, nil
}

// ---- export ----

// Export renders the project document in the requested format. When an
// artifact store is configured the file is uploaded there and a
// presigned URL returned; otherwise the bytes come back for inline
// delivery.
func (s *Service) Export(ctx context.Context, session Session, key string, format export.Format) (*export.Result, string, error) {
	project, err := s.store.GetProjectByKey(ctx, key)
	if err != nil {
		return nil, "", err
	}
	if err := s.requireRole(ctx, project.ID, session, rbac.ActionView); err != nil {
		return nil, "", err
	}
	wire, err := s.projectWire(ctx, project)
	if err != nil {
		return nil, "", err
	}

	result, err := s.exporter.Export(project.Key, wire, format)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
			return nil, "", domainError(501, "EXPORT_UNAVAILABLE", err.Error(), nil)
		}
		return nil, "", err
	}

	if s.artifacts == nil {
		return result, "", nil
	}
	object := fmt.Sprintf("%s/%d-%s", project.Key, s.now().Unix(), result.Filename)
	url, err := s.artifacts.Upload(ctx, object, result.Data, result.MimeType)
	if err != nil {
		log.Printf("warn: upload export for %s: %v", project.Key, err)
		return result, "", nil
	}
	return result, url, nil
}

// ---- bootstrap / ops ----

// Bootstrap seeds the examples project on an empty database so a fresh
// deployment has something to open.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountProjects(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	system := store.User{
		ID:              s.newID("user"),
		DisplayName:     "Fset",
		Email:           "system@local.fset.dev",
		Role:            "admin",
		IsEmailVerified: true,
		CreatedAt:       s.now(),
		UpdatedAt:       s.now(),
	}
	if err := s.store.CreateUser(ctx, system); err != nil {
		return fmt.Errorf("seed system user: %w", err)
	}

	now := s.now()
	project := store.Project{
		ID:          s.newID("proj"),
		Anchor:      s.newID("anc"),
		Key:         "examples",
		Description: "Sample schemas showing the modeling vocabulary.",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return fmt.Errorf("seed examples project: %w", err)
	}
	if err := s.store.UpsertProjectMember(ctx, project.ID, system.ID, string(rbac.RoleOwner)); err != nil {
		return fmt.Errorf("seed examples owner: %w", err)
	}

	fileAnchor := s.newID("anc")
	recordAnchor := s.newID("anc")
	ops := store.DiffOps{
		AddedFiles: []store.FileUpsert{{
			ID:        s.newID("file"),
			ProjectID: project.ID,
			Anchor:    fileAnchor,
			Key:       "getting_started",
		}},
		AddedFmodels: []diff.FmodelPatch{
			{
				Anchor:  recordAnchor,
				Key:     strPtr("user"),
				Type:    strPtr("object"),
				IsEntry: boolPtr(true),
				Sch: map[string]any{
					"parentAnchor": fileAnchor,
					"description":  "An example **user** record.",
					"required":     []any{"email"},
				},
			},
			{
				Anchor: s.newID("anc"),
				Key:    strPtr("email"),
				Type:   strPtr("string"),
				Sch: map[string]any{
					"parentAnchor": fileAnchor,
					"format":       "email",
				},
			},
		},
		AppliedAt: now,
	}
	if _, err := s.store.ApplyDiff(ctx, project, ops); err != nil {
		return fmt.Errorf("seed examples schema: %w", err)
	}

	wire, err := s.projectWire(ctx, project)
	if err != nil {
		return err
	}
	if err := s.snapshots.EnsureProjectRepo(project.ID, wire, system.DisplayName); err != nil {
		log.Printf("warn: ensure examples snapshot repo: %v", err)
	}
	if s.search != nil {
		s.indexProject(ctx, project)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- helpers ----

// sortedEntryIDs fixes iteration order over a diff bucket so staging is
// deterministic.
func sortedEntryIDs(entries map[string]diff.Entry) []string {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// schTouched reports whether a translated fmodel patch names any sch
// payload key, ignoring the transient parentAnchor marker.
func schTouched(sch map[string]any) bool {
	for k := range sch {
		if k != "parentAnchor" {
			return true
		}
	}
	return false
}

func prettyJSON(raw []byte) string {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return string(raw)
	}
	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty) + "\n"
}

func shortHash(input string) string {
	if len(input) <= 7 {
		return input
	}
	return input[:7]
}

func strPtr(v string) *string { return &v }

func boolPtr(v bool) *bool { return &v }
