package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/civicplan/plantree/internal/domain"
	"github.com/civicplan/plantree/internal/service"
)

func (s *Server) registerReferenceRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "listNodeReferences",
		Method:      http.MethodGet,
		Path:        "/api/v1/trees/{treeID}/nodes/{nodeID}/references",
		Summary:     "List references",
		Description: "Returns the subjects that use a node's payload",
		Tags:        []string{"References"},
	}, s.handleListReferences)

	huma.Register(s.api, huma.Operation{
		OperationID:   "assignReference",
		Method:        http.MethodPost,
		Path:          "/api/v1/trees/{treeID}/nodes/{nodeID}/references",
		Summary:       "Assign reference",
		Description:   "Records that a subject uses a node's payload; only selectable levels accept references",
		Tags:          []string{"References"},
		DefaultStatus: http.StatusCreated,
	}, s.handleAssignReference)

	huma.Register(s.api, huma.Operation{
		OperationID:   "releaseReference",
		Method:        http.MethodDelete,
		Path:          "/api/v1/trees/{treeID}/nodes/{nodeID}/references/{subjectType}/{subjectID}",
		Summary:       "Release reference",
		Description:   "Removes a subject's reference to a node's payload",
		Tags:          []string{"References"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleReleaseReference)
}

// ReferenceRequest names a subject.
type ReferenceRequest struct {
	SubjectType string `json:"subject_type" minLength:"1" maxLength:"64" doc:"Kind of subject, e.g. project"`
	SubjectID   string `json:"subject_id" minLength:"1" maxLength:"128" doc:"Subject identifier"`
}

// AssignReferenceInput wraps the assign request for Huma.
type AssignReferenceInput struct {
	NodePathParams
	Body ReferenceRequest
}

// ReleaseReferenceInput selects the reference to remove.
type ReleaseReferenceInput struct {
	NodePathParams
	SubjectType string `path:"subjectType" doc:"Kind of subject"`
	SubjectID   string `path:"subjectID" doc:"Subject identifier"`
}

// ReferenceOutput wraps a reference.
type ReferenceOutput struct {
	Body *domain.Reference
}

// ReferencesResponse lists references.
type ReferencesResponse struct {
	References []*domain.Reference `json:"references" doc:"References, oldest first"`
}

// ReferencesOutput wraps the references response.
type ReferencesOutput struct {
	Body ReferencesResponse
}

func (s *Server) handleListReferences(ctx context.Context, input *NodePathParams) (*ReferencesOutput, error) {
	refs, err := s.trees.ListReferences(ctx, input.TreeID, input.NodeID)
	if err != nil {
		return nil, err
	}
	return &ReferencesOutput{Body: ReferencesResponse{References: refs}}, nil
}

func (s *Server) handleAssignReference(ctx context.Context, input *AssignReferenceInput) (*ReferenceOutput, error) {
	ref, err := s.trees.AssignReference(ctx, input.TreeID, input.NodeID, service.AssignReferenceRequest{
		SubjectType: input.Body.SubjectType,
		SubjectID:   input.Body.SubjectID,
	})
	if err != nil {
		return nil, err
	}
	return &ReferenceOutput{Body: ref}, nil
}

func (s *Server) handleReleaseReference(ctx context.Context, input *ReleaseReferenceInput) (*struct{}, error) {
	err := s.trees.ReleaseReference(ctx, input.TreeID, input.NodeID, service.AssignReferenceRequest{
		SubjectType: input.SubjectType,
		SubjectID:   input.SubjectID,
	})
	if err != nil {
		return nil, err
	}
	return nil, nil
}
