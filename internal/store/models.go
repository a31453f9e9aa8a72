package store

import "time"

type Project struct {
	ID          string
	Anchor      string
	Key         string
	Order       int
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type File struct {
	ID        string
	ProjectID string
	Anchor    string
	Key       string
	Order     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Fmodel struct {
	ID        string
	FileID    string
	Anchor    string
	Key       string
	Type      string
	IsEntry   bool
	Sch       map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type ProjectMember struct {
	ProjectID string
	UserID    string
	Role      string
	CreatedAt time.Time
	// Joined fields for API responses
	UserEmail       string
	UserDisplayName string
}

type NamedVersion struct {
	ProjectID string
	Name      string
	Hash      string
	CreatedBy string
	CreatedAt time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
	Added     int
	Removed   int
}
