package types

// ModelTask names the task a model is built for.
type ModelTask struct {
	Name string `json:"name"`
}

// ModelEntry is one item of a {models:[...]} listing.
type ModelEntry struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Task        *ModelTask `json:"task,omitempty"`
}

// ModelList is the body of GET /api/tags and GET /api/models.
type ModelList struct {
	Models []ModelEntry `json:"models"`
	Error  string       `json:"error,omitempty"`
}
