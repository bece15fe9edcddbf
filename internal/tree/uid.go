// Package tree holds the ordered hierarchy used by vocabularies, plans and CMS sections:
// assembling stored nodes into a tree, mutating it without breaking the level/position
// invariants, and projecting it for display.
package tree

import (
	"strconv"
	"strings"

	domainerrors "github.com/civicplan/plantree/internal/errors"
)

// Separator joins sibling positions in a uid.
const Separator = "."

// JoinUID builds a uid from the positions along a root-to-node path.
func JoinUID(positions ...int) string {
	var b strings.Builder
	for i, p := range positions {
		if i > 0 {
			b.WriteString(Separator)
		}
		b.WriteString(strconv.Itoa(p))
	}
	return b.String()
}

// ChildUID returns the uid of the child at position under parentUID.
// An empty parentUID denotes the root level.
func ChildUID(parentUID string, position int) string {
	if parentUID == "" {
		return strconv.Itoa(position)
	}
	return parentUID + Separator + strconv.Itoa(position)
}

// ParseUID splits a uid into its positions.
func ParseUID(uid string) ([]int, error) {
	if uid == "" {
		return nil, domainerrors.Validation("uid is empty")
	}
	parts := strings.Split(uid, Separator)
	positions := make([]int, len(parts))
	for i, part := range parts {
		p, err := strconv.Atoi(part)
		if err != nil || p < 0 {
			return nil, domainerrors.Validationf("invalid uid %q", uid)
		}
		positions[i] = p
	}
	return positions, nil
}

// UIDPrefixes lists the uids of every ancestor followed by uid itself,
// e.g. "0.2.1" -> ["0", "0.2", "0.2.1"].
func UIDPrefixes(uid string) []string {
	if uid == "" {
		return nil
	}
	parts := strings.Split(uid, Separator)
	out := make([]string, len(parts))
	for i := range parts {
		out[i] = strings.Join(parts[:i+1], Separator)
	}
	return out
}

// CompareUID orders uids numerically segment by segment, so "0.10" sorts after "0.9"
// and a parent sorts before its descendants. Malformed segments compare as strings.
func CompareUID(a, b string) int {
	as := strings.Split(a, Separator)
	bs := strings.Split(b, Separator)
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		if aerr != nil || berr != nil {
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
			continue
		}
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}
