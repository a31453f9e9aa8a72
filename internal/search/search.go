package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProject ResultType = "project"
	ResultFmodel  ResultType = "fmodel"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	ProjectID  string     `json:"projectId"`
	ProjectKey string     `json:"projectKey"`
	FileKey    string     `json:"fileKey,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterProjectID string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexProject(p ProjectRecord) error
	IndexFmodel(fm FmodelRecord) error
	DeleteProject(id string) error
	DeleteFmodel(id string) error
}

// ProjectRecord is the data we index for a project.
type ProjectRecord struct {
	ID          string `json:"id"`
	Anchor      string `json:"anchor"`
	Key         string `json:"key"`
	Description string `json:"description"`
}

// FmodelRecord is the data we index for a schema node.
type FmodelRecord struct {
	ID         string `json:"id"`
	Anchor     string `json:"anchor"`
	Key        string `json:"key"`
	Type       string `json:"type"`
	FileKey    string `json:"fileKey"`
	ProjectID  string `json:"projectId"`
	ProjectKey string `json:"projectKey"`
}
