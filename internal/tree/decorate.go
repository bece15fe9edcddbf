package tree

import (
	"encoding/binary"
	"math"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/civicplan/plantree/internal/domain"
)

// Context carries the caller-specific parameters of a projection. It is passed
// explicitly into every decoration call; nothing is read from globals.
type Context struct {
	SiteID        string
	Locale        string
	DefaultLocale string
	// OptionKeys is the allow-list of option keys exposed to the caller, matched case-insensitively.
	OptionKeys []string
	// MaxLevel is the owning tree's deepest selectable level, domain.UnlimitedLevel for none.
	MaxLevel int
	// BasePath prefixes the lazy children link, e.g. "/api/v1/trees/tree-1".
	BasePath string
}

// NewContext returns a context for t using the site's locales.
func NewContext(t *domain.Tree, locale, defaultLocale string, optionKeys []string) Context {
	return Context{
		SiteID:        t.SiteID,
		Locale:        locale,
		DefaultLocale: defaultLocale,
		OptionKeys:    optionKeys,
		MaxLevel:      t.MaxLevel,
	}
}

// Selectable reports whether nodes at level can be assigned items.
func (c Context) Selectable(level int) bool {
	return c.MaxLevel == domain.UnlimitedLevel || level <= c.MaxLevel
}

// Lazy reports whether children of a node at level are left for on-demand loading.
func (c Context) Lazy(level int) bool {
	return c.MaxLevel != domain.UnlimitedLevel && level >= c.MaxLevel
}

// Fingerprint hashes a canonical encoding of the context. Option keys are
// compared folded and unordered, so equivalent allow-lists share a fingerprint.
func (c Context) Fingerprint() uint64 {
	d := xxhash.New()
	write := func(s string) {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}
	write(c.SiteID)
	write(CanonicalLocale(c.Locale))
	write(CanonicalLocale(c.DefaultLocale))
	write(c.BasePath)
	keys := foldKeys(c.OptionKeys)
	slices.Sort(keys)
	for _, k := range keys {
		write(k)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(int64(c.MaxLevel)))
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

// Annotated is the serialized form of a node. Children is nil when the subtree
// has not been loaded and points to an empty slice when it has none.
type Annotated struct {
	ID         string        `json:"id"`
	UID        string        `json:"uid"`
	Level      int           `json:"level"`
	Type       string        `json:"type"`
	Attributes Attributes    `json:"attributes"`
	Children   *[]*Annotated `json:"children,omitempty"`
}

// Attributes are the computed display fields of a node.
type Attributes struct {
	Name          string         `json:"name"`
	Locale        string         `json:"locale,omitempty"`
	Progress      *int           `json:"progress,omitempty"`
	Options       map[string]any `json:"options"`
	ItemType      string         `json:"item_type"`
	ItemID        string         `json:"item_id"`
	ChildrenCount int            `json:"children_count"`
	Selectable    bool           `json:"selectable"`
	ChildrenPath  string         `json:"children_path,omitempty"`
}

// Decorate annotates a branch for ctx. It never mutates the branch and returns
// the same value for the same inputs. Children is left nil.
func Decorate(b *Branch, ctx Context) Annotated {
	name, locale := ResolveLabel(b.Node.Name, ctx.Locale, ctx.DefaultLocale)

	var progress *int
	switch {
	case b.Value != nil:
		p := RoundHalfUp(*b.Value)
		progress = &p
	case b.Node.Progress != nil:
		p := RoundHalfUp(*b.Node.Progress)
		progress = &p
	}

	a := Annotated{
		ID:    b.Node.ID,
		UID:   b.UID,
		Level: b.Level,
		Type:  string(b.Node.Item.Type),
		Attributes: Attributes{
			Name:          name,
			Locale:        locale,
			Progress:      progress,
			Options:       FilterOptions(b.Node.Options, ctx.OptionKeys),
			ItemType:      string(b.Node.Item.Type),
			ItemID:        b.Node.Item.ID,
			ChildrenCount: len(b.Children),
			Selectable:    ctx.Selectable(b.Level),
		},
	}
	if len(b.Children) > 0 && ctx.BasePath != "" {
		a.Attributes.ChildrenPath = ctx.BasePath + "/nodes/" + b.Node.ID + "/children"
	}
	return a
}

// RoundHalfUp rounds to the nearest integer, halves away from negative infinity.
func RoundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}

// CanonicalLocale normalizes a locale tag ("ES_es" -> "es-ES"). Unparseable
// tags are lowercased.
func CanonicalLocale(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}
	t, err := language.Parse(strings.ReplaceAll(tag, "_", "-"))
	if err != nil {
		return strings.ToLower(tag)
	}
	return t.String()
}

func baseLocale(tag string) string {
	t, err := language.Parse(strings.ReplaceAll(tag, "_", "-"))
	if err != nil {
		return ""
	}
	b, conf := t.Base()
	if conf == language.No {
		return ""
	}
	return b.String()
}

// ResolveLabel picks a translation: the requested locale, its base language,
// the default locale, its base language, then the first non-empty translation
// by sorted locale. It returns the label and the canonical locale it came from.
func ResolveLabel(names map[string]string, locale, defaultLocale string) (string, string) {
	if len(names) == 0 {
		return "", ""
	}
	raw := make([]string, 0, len(names))
	for k := range names {
		raw = append(raw, k)
	}
	slices.Sort(raw)
	// Raw keys folding to the same tag resolve to the lexically first one.
	canonical := make(map[string]string, len(names))
	for _, k := range raw {
		if names[k] == "" {
			continue
		}
		if ck := CanonicalLocale(k); canonical[ck] == "" {
			canonical[ck] = names[k]
		}
	}

	for _, candidate := range []string{
		CanonicalLocale(locale), baseLocale(locale),
		CanonicalLocale(defaultLocale), baseLocale(defaultLocale),
	} {
		if candidate == "" {
			continue
		}
		if v, ok := canonical[candidate]; ok {
			return v, candidate
		}
	}

	keys := make([]string, 0, len(canonical))
	for k := range canonical {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return "", ""
	}
	slices.Sort(keys)
	return canonical[keys[0]], keys[0]
}

// FilterOptions keeps the options whose keys appear in allow, ignoring case.
// Kept entries keep the node's own spelling, so the result depends only on
// the folded allow-list. The result is never nil.
func FilterOptions(options map[string]any, allow []string) map[string]any {
	out := make(map[string]any)
	if len(options) == 0 || len(allow) == 0 {
		return out
	}
	declared := make(map[string]bool, len(allow))
	for _, k := range foldKeys(allow) {
		declared[k] = true
	}
	fold := cases.Fold()
	for k, v := range options {
		if declared[fold.String(k)] {
			out[k] = v
		}
	}
	return out
}

func foldKeys(keys []string) []string {
	fold := cases.Fold()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = fold.String(k)
	}
	return out
}

// Cache memoises node annotations.
type Cache interface {
	Get(key uint64) (Annotated, bool)
	Set(key uint64, a Annotated)
}

// Decorator projects branches, optionally through a cache.
type Decorator struct {
	cache Cache
}

// NewDecorator creates a decorator. A nil cache disables memoisation.
func NewDecorator(cache Cache) *Decorator {
	return &Decorator{cache: cache}
}

// CacheKey identifies an annotation: the node's id and revision, its derived
// placement and aggregate, and the context fingerprint.
func CacheKey(b *Branch, fingerprint uint64) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(b.Node.ID)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(b.UID)
	_, _ = d.Write([]byte{0})
	var buf [8]byte
	for _, v := range []uint64{
		uint64(b.Node.Revision()),
		uint64(len(b.Children)),
		uint64(b.Level),
		valueBits(b.Value),
		valueBits(b.Node.Progress),
		fingerprint,
	} {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

func valueBits(v *float64) uint64 {
	if v == nil {
		return math.MaxUint64
	}
	return math.Float64bits(*v)
}

// Decorate annotates one branch, consulting the cache.
func (d *Decorator) Decorate(b *Branch, ctx Context) Annotated {
	return d.decorate(b, ctx, ctx.Fingerprint())
}

func (d *Decorator) decorate(b *Branch, ctx Context, fingerprint uint64) Annotated {
	if d == nil || d.cache == nil {
		return Decorate(b, ctx)
	}
	key := CacheKey(b, fingerprint)
	if a, ok := d.cache.Get(key); ok && a.ID == b.Node.ID {
		return a
	}
	a := Decorate(b, ctx)
	d.cache.Set(key, a)
	return a
}

// Tree projects the roots and their descendants. Children of lazy levels that
// have children are left absent; every other node carries its children, empty
// or not.
func (d *Decorator) Tree(roots []*Branch, ctx Context) []*Annotated {
	fp := ctx.Fingerprint()
	var project func(branches []*Branch) []*Annotated
	project = func(branches []*Branch) []*Annotated {
		out := make([]*Annotated, 0, len(branches))
		for _, b := range branches {
			a := d.decorate(b, ctx, fp)
			if !(ctx.Lazy(b.Level) && len(b.Children) > 0) {
				children := project(b.Children)
				a.Children = &children
			}
			out = append(out, &a)
		}
		return out
	}
	return project(roots)
}

// Children projects the direct children of parent one level deep. Their own
// children are left absent for a later fetch.
func (d *Decorator) Children(parent *Branch, ctx Context) []*Annotated {
	fp := ctx.Fingerprint()
	out := make([]*Annotated, 0, len(parent.Children))
	for _, c := range parent.Children {
		a := d.decorate(c, ctx, fp)
		out = append(out, &a)
	}
	return out
}
