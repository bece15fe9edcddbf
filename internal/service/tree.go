package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/civicplan/plantree/internal/domain"
	domainerrors "github.com/civicplan/plantree/internal/errors"
	"github.com/civicplan/plantree/internal/id"
	"github.com/civicplan/plantree/internal/metrics"
	"github.com/civicplan/plantree/internal/siteconfig"
	"github.com/civicplan/plantree/internal/sse"
	"github.com/civicplan/plantree/internal/store"
	"github.com/civicplan/plantree/internal/tree"
	"github.com/civicplan/plantree/internal/util"
	"github.com/civicplan/plantree/internal/validation"
)

// APIPrefix is the path under which trees are served. Lazy children links are built from it.
const APIPrefix = "/api/v1/trees"

// EventEmitter receives committed tree changes.
type EventEmitter interface {
	Emit(event sse.Event)
}

// TreeService orchestrates reads and mutations of trees.
//
// Mutations on one tree are serialised: each loads the stored nodes, applies
// the command to a Forest and commits the resulting change set in one
// transaction before the next mutation of that tree starts. Reads of the
// same tree that overlap share one store query.
type TreeService struct {
	store     store.Store
	sites     *siteconfig.Registry
	decorator *tree.Decorator
	events    EventEmitter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	validator *validation.Validator

	locks *treeLocks
	reads singleflight.Group
}

// NewTreeService creates a tree service. cache, events and m may be nil.
// Pass the cache already wrapped by m.InstrumentCache to count hits.
func NewTreeService(st store.Store, sites *siteconfig.Registry, cache tree.Cache, events EventEmitter, m *metrics.Metrics, logger *slog.Logger) *TreeService {
	return &TreeService{
		store:     st,
		sites:     sites,
		decorator: tree.NewDecorator(cache),
		events:    events,
		metrics:   m,
		logger:    logger,
		validator: validation.New(),
		locks:     newTreeLocks(),
	}
}

// CreateTreeRequest contains fields for creating a tree.
type CreateTreeRequest struct {
	SiteID   string          `json:"site_id" validate:"omitempty,max=64"`
	Kind     domain.TreeKind `json:"kind" validate:"required,treekind"`
	Name     string          `json:"name" validate:"required,min=1,max=200"`
	Slug     string          `json:"slug" validate:"omitempty,max=100"`
	MaxLevel *int            `json:"max_level" validate:"omitempty,gte=-1"`
}

// CreateTree creates an empty tree. The slug defaults to the slugified name.
func (s *TreeService) CreateTree(ctx context.Context, req CreateTreeRequest) (*domain.Tree, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	slug := req.Slug
	if slug == "" {
		slug = req.Name
	}
	slug = util.Slugify(slug)
	if slug == "" {
		return nil, domainerrors.Validation("slug must contain letters or digits")
	}

	siteID := req.SiteID
	if siteID == "" {
		siteID = s.sites.DefaultSiteID()
	}
	maxLevel := domain.UnlimitedLevel
	if req.MaxLevel != nil {
		maxLevel = *req.MaxLevel
	}

	treeID, err := id.NewTreeID()
	if err != nil {
		return nil, err
	}
	t := &domain.Tree{
		Syncable: domain.Syncable{ID: treeID},
		SiteID:   siteID,
		Kind:     req.Kind,
		Name:     req.Name,
		Slug:     slug,
		MaxLevel: maxLevel,
	}
	t.InitTimestamps()

	if err := s.store.CreateTree(ctx, t); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, domainerrors.AlreadyExists(fmt.Sprintf("tree with slug %q already exists", slug))
		}
		return nil, err
	}

	s.logger.Info("tree created", "tree_id", treeID, "site_id", siteID, "slug", slug, "kind", req.Kind)
	return t, nil
}

// GetTree returns a tree's metadata.
func (s *TreeService) GetTree(ctx context.Context, treeID string) (*domain.Tree, error) {
	return s.store.GetTree(ctx, treeID)
}

// GetTreeBySlug returns a site's tree by slug.
func (s *TreeService) GetTreeBySlug(ctx context.Context, siteID, slug string) (*domain.Tree, error) {
	if siteID == "" {
		siteID = s.sites.DefaultSiteID()
	}
	return s.store.GetTreeBySlug(ctx, siteID, slug)
}

// ListTrees returns a page of trees. An empty siteID lists every site.
func (s *TreeService) ListTrees(ctx context.Context, siteID string, params store.PaginationParams) (*store.PaginatedResult[*domain.Tree], error) {
	params.Validate()
	return s.store.ListTrees(ctx, siteID, params)
}

// DeleteTree removes a tree and its nodes. Trees whose payloads are still
// referenced are kept.
func (s *TreeService) DeleteTree(ctx context.Context, treeID string) error {
	unlock := s.locks.Lock(treeID)
	defer unlock()

	if _, err := s.store.GetTree(ctx, treeID); err != nil {
		return err
	}
	nodes, err := s.store.ListNodes(ctx, treeID)
	if err != nil {
		return err
	}
	items := make([]domain.ItemRef, len(nodes))
	for i, n := range nodes {
		items[i] = n.Item
	}
	count, err := s.store.CountReferences(ctx, items)
	if err != nil {
		return err
	}
	if count > 0 {
		return domainerrors.HasDependents(fmt.Sprintf("tree %s has %d referenced items", treeID, count), count)
	}

	if err := s.store.DeleteTree(ctx, treeID); err != nil {
		return err
	}
	s.reads.Forget(treeID)
	s.logger.Info("tree deleted", "tree_id", treeID, "nodes", len(nodes))
	return nil
}

// TreePayload is the decorated tree served to clients.
type TreePayload struct {
	Tree            *domain.Tree      `json:"tree"`
	Locale          string            `json:"locale"`
	PlanTree        []*tree.Annotated `json:"plan_tree"`
	GlobalProgress  int               `json:"global_progress"`
	OptionKeys      []string          `json:"option_keys"`
	LevelKeys       []string          `json:"level_keys"`
	OpenNode        bool              `json:"open_node"`
	ShowTableHeader bool              `json:"show_table_header"`
}

// view resolves everything a projection of t needs for a requested locale.
type view struct {
	settings siteconfig.TreeSettings
	ctx      tree.Context
}

func (s *TreeService) viewFor(t *domain.Tree, locale string) view {
	site := s.sites.Site(t.SiteID)
	settings := site.Tree(t.Slug)
	ctx := tree.NewContext(t, site.Locale(locale), site.DefaultLocale, settings.OptionKeys)
	ctx.BasePath = APIPrefix + "/" + t.ID
	return view{settings: settings, ctx: ctx}
}

// snapshot loads every node of a tree. Overlapping calls for the same tree
// share one query; callers must not modify the returned nodes.
func (s *TreeService) snapshot(ctx context.Context, treeID string) ([]*domain.Node, error) {
	// The query outlives a cancelled first caller; joined readers still need it.
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.reads.Do(treeID, func() (any, error) {
		return s.store.ListNodes(shared, treeID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.Node), nil
}

// TreePayload builds the decorated tree down to the tree's lazy level.
func (s *TreeService) TreePayload(ctx context.Context, treeID, locale string) (*TreePayload, error) {
	t, err := s.store.GetTree(ctx, treeID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.snapshot(ctx, treeID)
	if err != nil {
		return nil, err
	}
	roots, err := tree.Build(nodes)
	if err != nil {
		s.logger.Error("stored tree is inconsistent", "tree_id", treeID, "error", err)
		return nil, err
	}
	s.metrics.ObserveBuild("tree", len(nodes))

	v := s.viewFor(t, locale)
	tree.Aggregate(roots, v.settings.Policy())

	optionKeys := v.settings.OptionKeys
	if optionKeys == nil {
		optionKeys = []string{}
	}
	return &TreePayload{
		Tree:            t,
		Locale:          v.ctx.Locale,
		PlanTree:        s.decorator.Tree(roots, v.ctx),
		GlobalProgress:  tree.RoundHalfUp(tree.GlobalProgress(roots)),
		OptionKeys:      optionKeys,
		LevelKeys:       v.settings.LevelNames(),
		OpenNode:        v.settings.OpenNode,
		ShowTableHeader: v.settings.ShowTableHeader,
	}, nil
}

// ChildrenPayload is one lazily loaded level.
type ChildrenPayload struct {
	Parent   tree.Annotated    `json:"parent"`
	Children []*tree.Annotated `json:"children"`
}

// branch loads nodeID with its ancestors and descendants and returns the
// assembled branch for nodeID.
func (s *TreeService) branch(ctx context.Context, t *domain.Tree, nodeID string, v view) (*tree.Branch, error) {
	nodes, err := s.store.ListBranch(ctx, t.ID, nodeID)
	if err != nil {
		return nil, err
	}
	roots, err := tree.Build(nodes)
	if err != nil {
		s.logger.Error("stored branch is inconsistent", "tree_id", t.ID, "node_id", nodeID, "error", err)
		return nil, err
	}
	s.metrics.ObserveBuild("branch", len(nodes))
	tree.Aggregate(roots, v.settings.Policy())

	b, ok := tree.Index(roots)[nodeID]
	if !ok {
		return nil, domainerrors.NotFoundf("node %s not found", nodeID)
	}
	return b, nil
}

// Children returns the direct children of a node, one level deep.
func (s *TreeService) Children(ctx context.Context, treeID, nodeID, locale string) (*ChildrenPayload, error) {
	t, err := s.store.GetTree(ctx, treeID)
	if err != nil {
		return nil, err
	}
	v := s.viewFor(t, locale)
	b, err := s.branch(ctx, t, nodeID, v)
	if err != nil {
		return nil, err
	}
	return &ChildrenPayload{
		Parent:   s.decorator.Decorate(b, v.ctx),
		Children: s.decorator.Children(b, v.ctx),
	}, nil
}

// Crumb is one step of a breadcrumb.
type Crumb struct {
	ID   string `json:"id"`
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// PermalinkPayload is a node found by uid, its loaded children and the path to it.
type PermalinkPayload struct {
	Node       tree.Annotated `json:"node"`
	Breadcrumb []Crumb        `json:"breadcrumb"`
}

// Permalink finds the node whose uid is uid. Zero-padded segments name the
// same node as their canonical form.
func (s *TreeService) Permalink(ctx context.Context, treeID, uid, locale string) (*PermalinkPayload, error) {
	positions, err := tree.ParseUID(uid)
	if err != nil {
		return nil, err
	}
	uid = tree.JoinUID(positions...)
	t, err := s.store.GetTree(ctx, treeID)
	if err != nil {
		return nil, err
	}
	v := s.viewFor(t, locale)

	b, err := s.findByUID(ctx, t, uid, v)
	if err != nil {
		return nil, err
	}

	a := s.decorator.Decorate(b, v.ctx)
	children := s.decorator.Children(b, v.ctx)
	a.Children = &children

	path := append(b.Ancestors(), b)
	crumbs := make([]Crumb, len(path))
	for i, p := range path {
		label, _ := tree.ResolveLabel(p.Node.Name, v.ctx.Locale, v.ctx.DefaultLocale)
		crumbs[i] = Crumb{ID: p.ID(), UID: p.UID, Name: label}
	}
	return &PermalinkPayload{Node: a, Breadcrumb: crumbs}, nil
}

// findByUID trusts the stored uid column first and falls back to a full
// build when the cached value is stale.
func (s *TreeService) findByUID(ctx context.Context, t *domain.Tree, uid string, v view) (*tree.Branch, error) {
	n, err := s.store.GetNodeByUID(ctx, t.ID, uid)
	switch {
	case err == nil:
		b, err := s.branch(ctx, t, n.ID, v)
		if err != nil {
			return nil, err
		}
		if b.UID == uid {
			return b, nil
		}
		s.logger.Warn("stored uid is stale", "tree_id", t.ID, "node_id", n.ID, "stored", uid, "actual", b.UID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	nodes, err := s.snapshot(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	roots, err := tree.Build(nodes)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveBuild("tree", len(nodes))
	tree.Aggregate(roots, v.settings.Policy())
	b, ok := tree.Find(roots, uid)
	if !ok {
		return nil, domainerrors.NotFoundf("no node at %s", uid)
	}
	return b, nil
}

// MutationResult reports the nodes a committed mutation touched.
type MutationResult struct {
	NodeID  string         `json:"node_id"`
	Created []*domain.Node `json:"created"`
	Updated []*domain.Node `json:"updated"`
	Deleted []string       `json:"deleted"`
}

func newMutationResult(nodeID string, c tree.ChangeSet) *MutationResult {
	r := &MutationResult{NodeID: nodeID, Created: c.Created, Updated: c.Updated, Deleted: c.Deleted}
	if r.Created == nil {
		r.Created = []*domain.Node{}
	}
	if r.Updated == nil {
		r.Updated = []*domain.Node{}
	}
	if r.Deleted == nil {
		r.Deleted = []string{}
	}
	return r
}

// mutate runs command against the current forest of treeID under the tree's
// lock and commits the change set. A rejected command writes nothing.
func (s *TreeService) mutate(ctx context.Context, treeID, operation, nodeID string, event sse.EventType, command func(f *tree.Forest) (tree.ChangeSet, error)) (*MutationResult, error) {
	start := time.Now()
	unlock := s.locks.Lock(treeID)
	defer unlock()

	changes, err := s.apply(ctx, treeID, command)
	s.metrics.ObserveMutation(operation, resultOf(err), time.Since(start), len(changes.Created)+len(changes.Updated)+len(changes.Deleted))
	if err != nil {
		s.logger.Debug("mutation rejected", "operation", operation, "tree_id", treeID, "node_id", nodeID, "error", err)
		return nil, err
	}

	s.reads.Forget(treeID)
	if s.events != nil {
		s.events.Emit(sse.NewTreeChangedEvent(event, treeID, nodeID, changes))
	}
	s.logger.Info("tree mutated",
		"operation", operation,
		"tree_id", treeID,
		"node_id", nodeID,
		"created", len(changes.Created),
		"updated", len(changes.Updated),
		"deleted", len(changes.Deleted))
	return newMutationResult(nodeID, changes), nil
}

func (s *TreeService) apply(ctx context.Context, treeID string, command func(f *tree.Forest) (tree.ChangeSet, error)) (tree.ChangeSet, error) {
	if _, err := s.store.GetTree(ctx, treeID); err != nil {
		return tree.ChangeSet{}, err
	}
	nodes, err := s.store.ListNodes(ctx, treeID)
	if err != nil {
		return tree.ChangeSet{}, err
	}
	f, err := tree.NewForest(treeID, nodes)
	if err != nil {
		return tree.ChangeSet{}, err
	}
	changes, err := command(f)
	if err != nil {
		return tree.ChangeSet{}, err
	}
	if changes.Empty() {
		return changes, nil
	}
	if err := s.store.ApplyChanges(ctx, treeID, changes); err != nil {
		return tree.ChangeSet{}, fmt.Errorf("commit changes: %w", err)
	}
	return changes, nil
}

// resultOf classifies a mutation outcome for metrics.
func resultOf(err error) string {
	if err == nil {
		return metrics.ResultOK
	}
	var de *domainerrors.Error
	if errors.As(err, &de) {
		switch de.Code {
		case domainerrors.CodeValidation, domainerrors.CodeNotFound, domainerrors.CodeCycle,
			domainerrors.CodeHasDependents, domainerrors.CodeAlreadyExists:
			return metrics.ResultRejected
		}
	}
	return metrics.ResultError
}

// ItemInput identifies a node's payload.
type ItemInput struct {
	Type domain.ItemType `json:"type" validate:"required,itemtype"`
	ID   string          `json:"id" validate:"required,max=128"`
}

// InsertNodeRequest contains fields for inserting a node.
type InsertNodeRequest struct {
	ParentID string `json:"parent_id"`
	// Position among the new siblings. Nil appends.
	Position *int              `json:"position" validate:"omitempty,gte=0"`
	Item     ItemInput         `json:"item"`
	Name     map[string]string `json:"name" validate:"required,min=1"`
	Progress *float64          `json:"progress" validate:"omitempty,gte=0,lte=100"`
	Options  map[string]any    `json:"options"`
}

// Insert adds a node under req.ParentID.
func (s *TreeService) Insert(ctx context.Context, treeID string, req InsertNodeRequest) (*MutationResult, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	nodeID, err := id.NewNodeID()
	if err != nil {
		return nil, err
	}
	n := &domain.Node{
		Syncable: domain.Syncable{ID: nodeID},
		TreeID:   treeID,
		Item:     domain.ItemRef{Type: req.Item.Type, ID: req.Item.ID},
		Name:     req.Name,
		Progress: req.Progress,
		Options:  req.Options,
	}
	return s.mutate(ctx, treeID, "insert", nodeID, sse.EventNodeCreated, func(f *tree.Forest) (tree.ChangeSet, error) {
		position := len(f.Children(req.ParentID))
		if req.Position != nil {
			position = *req.Position
		}
		return f.Insert(n, req.ParentID, position)
	})
}

// MoveNodeRequest contains the target of a move.
type MoveNodeRequest struct {
	NewParentID string `json:"new_parent_id"`
	NewPosition int    `json:"new_position" validate:"gte=0"`
}

// Move re-parents a node and its subtree.
func (s *TreeService) Move(ctx context.Context, treeID, nodeID string, req MoveNodeRequest) (*MutationResult, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	return s.mutate(ctx, treeID, "move", nodeID, sse.EventNodeMoved, func(f *tree.Forest) (tree.ChangeSet, error) {
		return f.Move(nodeID, req.NewParentID, req.NewPosition)
	})
}

// RepositionNodeRequest contains the new sibling position.
type RepositionNodeRequest struct {
	Position int `json:"position" validate:"gte=0"`
}

// Reposition moves a node within its sibling set.
func (s *TreeService) Reposition(ctx context.Context, treeID, nodeID string, req RepositionNodeRequest) (*MutationResult, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	return s.mutate(ctx, treeID, "reposition", nodeID, sse.EventNodeMoved, func(f *tree.Forest) (tree.ChangeSet, error) {
		return f.Reposition(nodeID, req.Position)
	})
}

// RemoveNodeRequest selects what happens to the removed node's children.
type RemoveNodeRequest struct {
	Policy tree.RemovePolicy `json:"policy" validate:"required,oneof=cascade reparent"`
}

// Remove deletes a node. Nodes whose payloads are referenced are refused:
// the whole subtree under cascade, the node alone under reparent.
func (s *TreeService) Remove(ctx context.Context, treeID, nodeID string, req RemoveNodeRequest) (*MutationResult, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	return s.mutate(ctx, treeID, "remove", nodeID, sse.EventNodeRemoved, func(f *tree.Forest) (tree.ChangeSet, error) {
		if _, ok := f.Node(nodeID); !ok {
			return tree.ChangeSet{}, domainerrors.NotFoundf("node %s not found", nodeID)
		}
		ids := []string{nodeID}
		if req.Policy == tree.RemoveCascade {
			ids = f.Subtree(nodeID)
		}
		items := make([]domain.ItemRef, 0, len(ids))
		for _, nid := range ids {
			n, _ := f.Node(nid)
			items = append(items, n.Item)
		}
		count, err := s.store.CountReferences(ctx, items)
		if err != nil {
			return tree.ChangeSet{}, err
		}
		if count > 0 {
			return tree.ChangeSet{}, domainerrors.HasDependents(
				fmt.Sprintf("node %s has %d dependents", nodeID, count), count)
		}
		return f.Remove(nodeID, req.Policy)
	})
}

// AssignReferenceRequest names the subject that points at a node's payload.
type AssignReferenceRequest struct {
	SubjectType string `json:"subject_type" validate:"required,max=64"`
	SubjectID   string `json:"subject_id" validate:"required,max=128"`
}

// AssignReference records that a subject uses a node's payload. Only nodes at
// selectable levels accept references. It holds the tree's lock so a
// concurrent Remove or Move sees the reference either before or after.
func (s *TreeService) AssignReference(ctx context.Context, treeID, nodeID string, req AssignReferenceRequest) (*domain.Reference, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(treeID)
	defer unlock()

	t, err := s.store.GetTree(ctx, treeID)
	if err != nil {
		return nil, err
	}
	n, err := s.store.GetNode(ctx, treeID, nodeID)
	if err != nil {
		return nil, err
	}
	if !t.Selectable(n.Level) {
		return nil, domainerrors.Validationf("node %s at level %d is structural; tree %s selects down to level %d",
			nodeID, n.Level, treeID, t.MaxLevel)
	}

	ref := &domain.Reference{
		Item:        n.Item,
		SubjectType: req.SubjectType,
		SubjectID:   req.SubjectID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.AddReference(ctx, ref); err != nil {
		return nil, err
	}
	if s.events != nil {
		s.events.Emit(sse.NewReferenceAddedEvent(treeID, nodeID, ref))
	}
	s.logger.Info("reference assigned", "tree_id", treeID, "node_id", nodeID, "item", n.Item.String(), "subject_id", req.SubjectID)
	return ref, nil
}

// ReleaseReference removes a subject's reference to a node's payload.
func (s *TreeService) ReleaseReference(ctx context.Context, treeID, nodeID string, req AssignReferenceRequest) error {
	if err := s.validator.Validate(req); err != nil {
		return err
	}
	unlock := s.locks.Lock(treeID)
	defer unlock()

	n, err := s.store.GetNode(ctx, treeID, nodeID)
	if err != nil {
		return err
	}
	return s.store.DeleteReference(ctx, &domain.Reference{
		Item:        n.Item,
		SubjectType: req.SubjectType,
		SubjectID:   req.SubjectID,
	})
}

// ListReferences returns the subjects using a node's payload.
func (s *TreeService) ListReferences(ctx context.Context, treeID, nodeID string) ([]*domain.Reference, error) {
	n, err := s.store.GetNode(ctx, treeID, nodeID)
	if err != nil {
		return nil, err
	}
	return s.store.ListReferences(ctx, n.Item)
}

// Check loads a tree and verifies its stored structure.
func (s *TreeService) Check(ctx context.Context, treeID string) error {
	if _, err := s.store.GetTree(ctx, treeID); err != nil {
		return err
	}
	nodes, err := s.store.ListNodes(ctx, treeID)
	if err != nil {
		return err
	}
	return tree.CheckNodes(nodes)
}
