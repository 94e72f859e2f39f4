package manifest

// TagList is the response of the tag list endpoint. Tags are in the order the
// registry returns them.
type TagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// Catalog is the response of the catalog endpoint.
type Catalog struct {
	Repositories []string `json:"repositories"`
}
