package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aceeric/ocisync/impl/manifest"
)

// TagList gets the tags of 'repo' following Link pagination if the registry
// pages the result.
func (c *Client) TagList(ctx context.Context, repo string) (manifest.TagList, error) {
	tl := manifest.TagList{Name: repo}
	for u := c.url("v2", repo, "tags", "list"); u != ""; {
		var page manifest.TagList
		next, err := c.getJSON(ctx, u, pullScope(repo), repo, &page)
		if err != nil {
			return manifest.TagList{}, err
		}
		tl.Tags = append(tl.Tags, page.Tags...)
		u = next
	}
	return tl, nil
}

// Catalog gets the repositories of the registry following Link pagination.
// Many public registries do not allow this.
func (c *Client) Catalog(ctx context.Context) (manifest.Catalog, error) {
	var cat manifest.Catalog
	for u := c.url("v2", "_catalog"); u != ""; {
		var page manifest.Catalog
		next, err := c.getJSON(ctx, u, catalogScope, "", &page)
		if err != nil {
			return manifest.Catalog{}, err
		}
		cat.Repositories = append(cat.Repositories, page.Repositories...)
		u = next
	}
	return cat, nil
}

// getJSON gets 'u' into 'v' and returns the url of the next page, if any
func (c *Client) getJSON(ctx context.Context, u, scope, repo string, v any) (string, error) {
	resp, err := c.do(ctx, get(http.MethodGet, u, "application/json"), scope)
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if err := checkStatus(resp, repo, "", http.StatusOK); err != nil {
		return "", err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return "", fmt.Errorf("decoding %s: %w", u, err)
	}
	return c.nextPage(resp)
}
