package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/civicplan/plantree/internal/domain"
	"github.com/civicplan/plantree/internal/service"
	"github.com/civicplan/plantree/internal/tree"
)

func (s *Server) registerNodeRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "getNodeChildren",
		Method:      http.MethodGet,
		Path:        "/api/v1/trees/{treeID}/nodes/{nodeID}/children",
		Summary:     "Get node children",
		Description: "Returns the direct children of a node one level deep; their own children are left for a later fetch",
		Tags:        []string{"Nodes"},
	}, s.handleGetNodeChildren)

	huma.Register(s.api, huma.Operation{
		OperationID: "getPermalink",
		Method:      http.MethodGet,
		Path:        "/api/v1/trees/{treeID}/permalink/{uid}",
		Summary:     "Resolve permalink",
		Description: "Returns the node at a uid such as 0.2.1, its children and breadcrumb",
		Tags:        []string{"Nodes"},
	}, s.handleGetPermalink)

	huma.Register(s.api, huma.Operation{
		OperationID:   "insertNode",
		Method:        http.MethodPost,
		Path:          "/api/v1/trees/{treeID}/nodes",
		Summary:       "Insert node",
		Description:   "Inserts a node under a parent at a position; following siblings shift",
		Tags:          []string{"Nodes"},
		DefaultStatus: http.StatusCreated,
		Middlewares:   huma.Middlewares{s.limitMutations},
	}, s.handleInsertNode)

	huma.Register(s.api, huma.Operation{
		OperationID: "moveNode",
		Method:      http.MethodPost,
		Path:        "/api/v1/trees/{treeID}/nodes/{nodeID}/move",
		Summary:     "Move node",
		Description: "Moves a node and its subtree under a new parent",
		Tags:        []string{"Nodes"},
		Middlewares: huma.Middlewares{s.limitMutations},
	}, s.handleMoveNode)

	huma.Register(s.api, huma.Operation{
		OperationID: "repositionNode",
		Method:      http.MethodPost,
		Path:        "/api/v1/trees/{treeID}/nodes/{nodeID}/reposition",
		Summary:     "Reposition node",
		Description: "Moves a node within its sibling set",
		Tags:        []string{"Nodes"},
		Middlewares: huma.Middlewares{s.limitMutations},
	}, s.handleRepositionNode)

	huma.Register(s.api, huma.Operation{
		OperationID: "removeNode",
		Method:      http.MethodDelete,
		Path:        "/api/v1/trees/{treeID}/nodes/{nodeID}",
		Summary:     "Remove node",
		Description: "Removes a node; policy cascade deletes its subtree, reparent lifts its children into its place",
		Tags:        []string{"Nodes"},
		Middlewares: huma.Middlewares{s.limitMutations},
	}, s.handleRemoveNode)
}

// NodePathParams select a node within a tree.
type NodePathParams struct {
	TreeID string `path:"treeID" doc:"Tree ID"`
	NodeID string `path:"nodeID" doc:"Node ID"`
}

// NodeChildrenInput selects a node and a locale.
type NodeChildrenInput struct {
	NodePathParams
	LocaleParam
}

// NodeChildrenOutput wraps one lazily loaded level.
type NodeChildrenOutput struct {
	Body *service.ChildrenPayload
}

// PermalinkInput selects a node by uid.
type PermalinkInput struct {
	TreeID string `path:"treeID" doc:"Tree ID"`
	UID    string `path:"uid" doc:"Dot-joined sibling positions, e.g. 0.2.1"`
	LocaleParam
}

// PermalinkOutput wraps the resolved node.
type PermalinkOutput struct {
	Body *service.PermalinkPayload
}

// ItemRequest identifies a node's payload.
type ItemRequest struct {
	Type string `json:"type" enum:"page,category_term,project,section_ref" doc:"Payload variant"`
	ID   string `json:"id" minLength:"1" doc:"Payload identifier"`
}

// InsertNodeRequest is the API request for inserting a node.
type InsertNodeRequest struct {
	ParentID string            `json:"parent_id,omitempty" doc:"Parent node; a root when empty"`
	Position *int              `json:"position,omitempty" minimum:"0" doc:"Sibling position, clamped; appends when absent"`
	Item     ItemRequest       `json:"item" doc:"Wrapped payload"`
	Name     map[string]string `json:"name" doc:"Labels keyed by locale"`
	Progress *float64          `json:"progress,omitempty" minimum:"0" maximum:"100" doc:"Leaf progress percentage"`
	Options  map[string]any    `json:"options,omitempty" doc:"Free attributes"`
}

// InsertNodeInput wraps the insert request for Huma.
type InsertNodeInput struct {
	TreeID string `path:"treeID" doc:"Tree ID"`
	Body   InsertNodeRequest
}

// MoveNodeRequest is the API request for moving a node.
type MoveNodeRequest struct {
	NewParentID string `json:"new_parent_id,omitempty" doc:"New parent; a root when empty"`
	NewPosition int    `json:"new_position" minimum:"0" doc:"Position among the new siblings, clamped"`
}

// MoveNodeInput wraps the move request for Huma.
type MoveNodeInput struct {
	NodePathParams
	Body MoveNodeRequest
}

// RepositionNodeRequest is the API request for repositioning a node.
type RepositionNodeRequest struct {
	Position int `json:"position" minimum:"0" doc:"New sibling position, clamped"`
}

// RepositionNodeInput wraps the reposition request for Huma.
type RepositionNodeInput struct {
	NodePathParams
	Body RepositionNodeRequest
}

// RemoveNodeInput selects the node and the remove policy.
type RemoveNodeInput struct {
	NodePathParams
	Policy string `query:"policy" doc:"cascade or reparent; required"`
}

// MutationOutput wraps the nodes a mutation touched.
type MutationOutput struct {
	Body *service.MutationResult
}

func (s *Server) handleGetNodeChildren(ctx context.Context, input *NodeChildrenInput) (*NodeChildrenOutput, error) {
	payload, err := s.trees.Children(ctx, input.TreeID, input.NodeID, input.Locale)
	if err != nil {
		return nil, err
	}
	return &NodeChildrenOutput{Body: payload}, nil
}

func (s *Server) handleGetPermalink(ctx context.Context, input *PermalinkInput) (*PermalinkOutput, error) {
	payload, err := s.trees.Permalink(ctx, input.TreeID, input.UID, input.Locale)
	if err != nil {
		return nil, err
	}
	return &PermalinkOutput{Body: payload}, nil
}

func (s *Server) handleInsertNode(ctx context.Context, input *InsertNodeInput) (*MutationOutput, error) {
	res, err := s.trees.Insert(ctx, input.TreeID, service.InsertNodeRequest{
		ParentID: input.Body.ParentID,
		Position: input.Body.Position,
		Item:     service.ItemInput{Type: domain.ItemType(input.Body.Item.Type), ID: input.Body.Item.ID},
		Name:     input.Body.Name,
		Progress: input.Body.Progress,
		Options:  input.Body.Options,
	})
	if err != nil {
		return nil, err
	}
	return &MutationOutput{Body: res}, nil
}

func (s *Server) handleMoveNode(ctx context.Context, input *MoveNodeInput) (*MutationOutput, error) {
	res, err := s.trees.Move(ctx, input.TreeID, input.NodeID, service.MoveNodeRequest{
		NewParentID: input.Body.NewParentID,
		NewPosition: input.Body.NewPosition,
	})
	if err != nil {
		return nil, err
	}
	return &MutationOutput{Body: res}, nil
}

func (s *Server) handleRepositionNode(ctx context.Context, input *RepositionNodeInput) (*MutationOutput, error) {
	res, err := s.trees.Reposition(ctx, input.TreeID, input.NodeID, service.RepositionNodeRequest{
		Position: input.Body.Position,
	})
	if err != nil {
		return nil, err
	}
	return &MutationOutput{Body: res}, nil
}

func (s *Server) handleRemoveNode(ctx context.Context, input *RemoveNodeInput) (*MutationOutput, error) {
	res, err := s.trees.Remove(ctx, input.TreeID, input.NodeID, service.RemoveNodeRequest{
		Policy: tree.RemovePolicy(input.Policy),
	})
	if err != nil {
		return nil, err
	}
	return &MutationOutput{Body: res}, nil
}
