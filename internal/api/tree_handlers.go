package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/civicplan/plantree/internal/domain"
	"github.com/civicplan/plantree/internal/service"
	"github.com/civicplan/plantree/internal/store"
)

func (s *Server) registerTreeRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "listTrees",
		Method:      http.MethodGet,
		Path:        "/api/v1/trees",
		Summary:     "List trees",
		Description: "Returns a page of trees, optionally limited to one site",
		Tags:        []string{"Trees"},
	}, s.handleListTrees)

	huma.Register(s.api, huma.Operation{
		OperationID:   "createTree",
		Method:        http.MethodPost,
		Path:          "/api/v1/trees",
		Summary:       "Create tree",
		Description:   "Creates an empty vocabulary, plan or section tree",
		Tags:          []string{"Trees"},
		DefaultStatus: http.StatusCreated,
	}, s.handleCreateTree)

	huma.Register(s.api, huma.Operation{
		OperationID: "getTree",
		Method:      http.MethodGet,
		Path:        "/api/v1/trees/{treeID}",
		Summary:     "Get tree",
		Description: "Returns a tree's metadata",
		Tags:        []string{"Trees"},
	}, s.handleGetTree)

	huma.Register(s.api, huma.Operation{
		OperationID: "getTreeBySlug",
		Method:      http.MethodGet,
		Path:        "/api/v1/sites/{siteID}/trees/{slug}",
		Summary:     "Get tree by slug",
		Description: "Returns a site's tree by its slug",
		Tags:        []string{"Trees"},
	}, s.handleGetTreeBySlug)

	huma.Register(s.api, huma.Operation{
		OperationID:   "deleteTree",
		Method:        http.MethodDelete,
		Path:          "/api/v1/trees/{treeID}",
		Summary:       "Delete tree",
		Description:   "Deletes a tree and its nodes unless any payload is referenced",
		Tags:          []string{"Trees"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleDeleteTree)

	huma.Register(s.api, huma.Operation{
		OperationID: "getTreeNodes",
		Method:      http.MethodGet,
		Path:        "/api/v1/trees/{treeID}/nodes",
		Summary:     "Get decorated tree",
		Description: "Returns the decorated tree down to its lazy level with global progress, option keys and level keys",
		Tags:        []string{"Trees"},
	}, s.handleGetTreeNodes)

	huma.Register(s.api, huma.Operation{
		OperationID: "checkTree",
		Method:      http.MethodGet,
		Path:        "/api/v1/trees/{treeID}/check",
		Summary:     "Check tree",
		Description: "Verifies the stored structure of a tree",
		Tags:        []string{"Trees"},
	}, s.handleCheckTree)
}

// TreePathParam selects a tree.
type TreePathParam struct {
	TreeID string `path:"treeID" doc:"Tree ID"`
}

// LocaleParam selects the label locale.
type LocaleParam struct {
	Locale string `query:"locale" doc:"Requested locale; falls back to the site default"`
}

// ListTreesInput contains parameters for listing trees.
type ListTreesInput struct {
	SiteID string `query:"site_id" doc:"Limit to one site"`
	Limit  int    `query:"limit" default:"100" minimum:"1" maximum:"1000" doc:"Items per page"`
	Cursor string `query:"cursor" doc:"Cursor from the previous page"`
}

// ListTreesOutput wraps one page of trees.
type ListTreesOutput struct {
	Body *store.PaginatedResult[*domain.Tree]
}

// CreateTreeRequest is the API request for creating a tree.
type CreateTreeRequest struct {
	SiteID   string `json:"site_id,omitempty" doc:"Owning site; the default site when empty"`
	Kind     string `json:"kind" enum:"vocabulary,plan,section" doc:"What the tree organises"`
	Name     string `json:"name" minLength:"1" maxLength:"200" doc:"Display name"`
	Slug     string `json:"slug,omitempty" maxLength:"100" doc:"URL slug; derived from name when empty"`
	MaxLevel *int   `json:"max_level,omitempty" minimum:"-1" doc:"Deepest selectable level, -1 for none"`
}

// CreateTreeInput wraps the create tree request for Huma.
type CreateTreeInput struct {
	Body CreateTreeRequest
}

// TreeOutput wraps a tree.
type TreeOutput struct {
	Body *domain.Tree
}

// GetTreeBySlugInput selects a tree by site and slug.
type GetTreeBySlugInput struct {
	SiteID string `path:"siteID" doc:"Site ID"`
	Slug   string `path:"slug" doc:"Tree slug"`
}

// TreeNodesInput selects a tree and a locale.
type TreeNodesInput struct {
	TreePathParam
	LocaleParam
}

// TreeNodesOutput wraps the decorated tree.
type TreeNodesOutput struct {
	Body *service.TreePayload
}

// CheckTreeResponse reports a passed structure check.
type CheckTreeResponse struct {
	TreeID string `json:"tree_id" doc:"Checked tree"`
	Status string `json:"status" doc:"Always ok; failures are INTEGRITY errors"`
}

// CheckTreeOutput wraps the check response.
type CheckTreeOutput struct {
	Body CheckTreeResponse
}

func (s *Server) handleListTrees(ctx context.Context, input *ListTreesInput) (*ListTreesOutput, error) {
	page, err := s.trees.ListTrees(ctx, input.SiteID, store.PaginationParams{
		Limit:  input.Limit,
		Cursor: input.Cursor,
	})
	if err != nil {
		return nil, err
	}
	return &ListTreesOutput{Body: page}, nil
}

func (s *Server) handleCreateTree(ctx context.Context, input *CreateTreeInput) (*TreeOutput, error) {
	t, err := s.trees.CreateTree(ctx, service.CreateTreeRequest{
		SiteID:   input.Body.SiteID,
		Kind:     domain.TreeKind(input.Body.Kind),
		Name:     input.Body.Name,
		Slug:     input.Body.Slug,
		MaxLevel: input.Body.MaxLevel,
	})
	if err != nil {
		return nil, err
	}
	return &TreeOutput{Body: t}, nil
}

func (s *Server) handleGetTree(ctx context.Context, input *TreePathParam) (*TreeOutput, error) {
	t, err := s.trees.GetTree(ctx, input.TreeID)
	if err != nil {
		return nil, err
	}
	return &TreeOutput{Body: t}, nil
}

func (s *Server) handleGetTreeBySlug(ctx context.Context, input *GetTreeBySlugInput) (*TreeOutput, error) {
	t, err := s.trees.GetTreeBySlug(ctx, input.SiteID, input.Slug)
	if err != nil {
		return nil, err
	}
	return &TreeOutput{Body: t}, nil
}

func (s *Server) handleDeleteTree(ctx context.Context, input *TreePathParam) (*struct{}, error) {
	if err := s.trees.DeleteTree(ctx, input.TreeID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleGetTreeNodes(ctx context.Context, input *TreeNodesInput) (*TreeNodesOutput, error) {
	payload, err := s.trees.TreePayload(ctx, input.TreeID, input.Locale)
	if err != nil {
		return nil, err
	}
	return &TreeNodesOutput{Body: payload}, nil
}

func (s *Server) handleCheckTree(ctx context.Context, input *TreePathParam) (*CheckTreeOutput, error) {
	if err := s.trees.Check(ctx, input.TreeID); err != nil {
		return nil, err
	}
	return &CheckTreeOutput{Body: CheckTreeResponse{TreeID: input.TreeID, Status: "ok"}}, nil
}
