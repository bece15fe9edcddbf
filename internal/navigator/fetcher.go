package navigator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	domainerrors "github.com/civicplan/plantree/internal/errors"
	"github.com/civicplan/plantree/internal/tree"
)

// HTTPFetcher reads trees from the plantree API.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	// Query is appended to every request, e.g. locale and caller filters.
	Query url.Values
}

// NewHTTPFetcher creates a fetcher for the API at baseURL.
func NewHTTPFetcher(baseURL string, query url.Values) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
		Query:   query,
	}
}

type envelope[T any] struct {
	Version int    `json:"v"`
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Tree fetches the decorated tree.
func (f *HTTPFetcher) Tree(ctx context.Context, treeID string) ([]*tree.Annotated, error) {
	var payload struct {
		PlanTree []*tree.Annotated `json:"plan_tree"`
	}
	if err := f.get(ctx, "/api/v1/trees/"+url.PathEscape(treeID)+"/nodes", &payload); err != nil {
		return nil, err
	}
	return payload.PlanTree, nil
}

// Children fetches one level below nodeID.
func (f *HTTPFetcher) Children(ctx context.Context, treeID, nodeID string) ([]*tree.Annotated, error) {
	var payload struct {
		Children []*tree.Annotated `json:"children"`
	}
	path := "/api/v1/trees/" + url.PathEscape(treeID) + "/nodes/" + url.PathEscape(nodeID) + "/children"
	if err := f.get(ctx, path, &payload); err != nil {
		return nil, err
	}
	return payload.Children, nil
}

func (f *HTTPFetcher) get(ctx context.Context, path string, out any) error {
	u := f.BaseURL + path
	if len(f.Query) > 0 {
		u += "?" + f.Query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var env envelope[json.RawMessage]
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode %s (status %d): %w", path, resp.StatusCode, err)
	}
	if !env.Success || resp.StatusCode >= http.StatusBadRequest {
		code := domainerrors.Code(env.Code)
		if code == "" {
			code = domainerrors.CodeInternal
		}
		return domainerrors.Wrap(fmt.Errorf("GET %s: status %d", path, resp.StatusCode), code, env.Message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}
