// Package taxonomy defines the category tree Mailroom classifies mail
// into and provisions as mailbox folders. The tree is recomputed from
// static tables plus a business's configuration on every use; nothing
// here is persisted or mutated at runtime.
//
// Paths are "/"-joined category names, e.g. "BANKING/Receipts/Payment Sent".
// Path uniqueness is case-insensitive, matching how Gmail and Outlook
// compare folder names.
package taxonomy

import (
	"cmp"
	"slices"
	"strings"
)

// Separator joins category names into a path.
const Separator = "/"

// Kind is the depth class of a taxonomy node.
type Kind string

// Node kinds.
const (
	KindPrimary   Kind = "primary"
	KindSecondary Kind = "secondary"
	KindTertiary  Kind = "tertiary"
)

// Node is one category in a business's taxonomy.
type Node struct {
	Name        string
	ParentPath  string
	Kind        Kind
	Description string
	Keywords    []string
	Examples    []string

	// AllowedDepartments lists departments whose roles route this
	// node's primary category. Empty means hub-only.
	AllowedDepartments map[Department]bool
}

// Path returns the node's full path.
func (n Node) Path() string {
	return JoinPath(n.ParentPath, n.Name)
}

// Primary returns the primary category name of the node.
func (n Node) Primary() string {
	return SplitPath(n.Path())[0]
}

// ManagerRef is the slice of a team member the taxonomy needs.
type ManagerRef struct {
	Name  string
	Roles []RoleID
}

// Spec is the per-business input to [Build].
type Spec struct {
	Industries []string
	Managers   []ManagerRef
	Suppliers  []string
}

// Extensions resolves the business's industry types to extensions, in
// order and without duplicates. Unknown types fall back to the general
// extension; the general extension is included at most once.
func (s Spec) Extensions() []Extension {
	var out []Extension
	seen := make(map[string]bool)
	for _, name := range s.Industries {
		ext, _ := ResolveIndustry(name)
		if ext.Key == "" || seen[ext.Key] {
			continue
		}
		seen[ext.Key] = true
		out = append(out, ext)
	}
	return out
}

// Build computes the full taxonomy for a business: the base categories,
// per-industry secondaries, one MANAGER secondary per team member
// (plus Unassigned) and one SUPPLIERS secondary per supplier. Nodes are
// returned parents-first in rendering order. Duplicate paths
// (case-insensitive) keep the first occurrence.
func Build(spec Spec) []Node {
	b := &builder{seen: make(map[string]bool)}
	exts := spec.Extensions()

	for _, primary := range baseCategories {
		depts := departmentsRouting(primary.Name)
		b.add(primary, "", KindPrimary, depts)

		for _, ext := range exts {
			for _, sec := range ext.Secondary[primary.Name] {
				b.add(sec, primary.Name, KindSecondary, depts)
			}
		}

		switch primary.Name {
		case CategoryManager:
			b.add(categoryDef{
				Name:        Unassigned,
				Description: "Addressed to management but no specific team member is named.",
			}, primary.Name, KindSecondary, depts)
			for _, m := range spec.Managers {
				b.add(categoryDef{
					Name:        strings.TrimSpace(m.Name),
					Description: managerDescription(m),
				}, primary.Name, KindSecondary, depts)
			}
		case CategorySuppliers:
			for _, s := range spec.Suppliers {
				b.add(categoryDef{
					Name:        strings.TrimSpace(s),
					Description: "Mail from supplier " + strings.TrimSpace(s) + ".",
				}, primary.Name, KindSecondary, depts)
			}
		}
	}
	return b.nodes
}

type builder struct {
	nodes []Node
	seen  map[string]bool
}

// add appends def and its children. Children of secondaries become
// tertiaries; nothing deeper is supported.
func (b *builder) add(def categoryDef, parent string, kind Kind, depts map[Department]bool) {
	if def.Name == "" {
		return
	}
	n := Node{
		Name:               def.Name,
		ParentPath:         parent,
		Kind:               kind,
		Description:        def.Description,
		Keywords:           def.Keywords,
		Examples:           def.Examples,
		AllowedDepartments: depts,
	}
	key := pathKey(n.Path())
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.nodes = append(b.nodes, n)

	var childKind Kind
	switch kind {
	case KindPrimary:
		childKind = KindSecondary
	case KindSecondary:
		childKind = KindTertiary
	default:
		return
	}
	for _, c := range def.Children {
		b.add(c, n.Path(), childKind, depts)
	}
}

func managerDescription(m ManagerRef) string {
	var labels []string
	for _, id := range m.Roles {
		if def, ok := Role(id); ok {
			labels = append(labels, def.Label)
		}
	}
	if len(labels) == 0 {
		return "Mail addressed to " + m.Name + "."
	}
	return "Mail addressed to " + m.Name + " (" + strings.Join(labels, ", ") + ")."
}

// JoinPath joins non-empty path parts with [Separator].
func JoinPath(parts ...string) string {
	var keep []string
	for _, p := range parts {
		if p != "" {
			keep = append(keep, p)
		}
	}
	return strings.Join(keep, Separator)
}

// SplitPath splits a path into its segments.
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, Separator)
}

// ParentOf returns the parent path, or "" for a primary.
func ParentOf(path string) string {
	i := strings.LastIndex(path, Separator)
	if i < 0 {
		return ""
	}
	return path[:i]
}

// Depth returns 1 for primaries, 2 for secondaries, 3 for tertiaries.
func Depth(path string) int {
	return len(SplitPath(path))
}

// pathKey is the case-insensitive identity of a path.
func pathKey(path string) string {
	return strings.ToLower(path)
}

// PathKey exposes the case-insensitive identity used for matching
// taxonomy paths against mailbox folder names.
func PathKey(path string) string {
	return pathKey(path)
}

// RequiredPaths returns every path that must exist as a folder for the
// given nodes: each node's path plus all of its ancestors, ordered so
// that parents precede children.
func RequiredPaths(nodes []Node) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, n := range nodes {
		p := n.Path()
		for p != "" {
			key := pathKey(p)
			if !seen[key] {
				seen[key] = true
				paths = append(paths, p)
			}
			p = ParentOf(p)
		}
	}
	return SortPaths(paths)
}

// SortPaths orders paths topologically: every parent precedes its
// children, siblings sort by name. The input is not modified.
func SortPaths(paths []string) []string {
	out := slices.Clone(paths)
	slices.SortStableFunc(out, func(a, b string) int {
		as, bs := SplitPath(a), SplitPath(b)
		for i := 0; i < len(as) && i < len(bs); i++ {
			if c := cmp.Compare(strings.ToLower(as[i]), strings.ToLower(bs[i])); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(as), len(bs))
	})
	return out
}

// Primaries returns the primary nodes in rendering order.
func Primaries(nodes []Node) []Node {
	var out []Node
	for _, n := range nodes {
		if n.Kind == KindPrimary {
			out = append(out, n)
		}
	}
	return out
}

// Children returns the direct children of parentPath in rendering order.
func Children(nodes []Node, parentPath string) []Node {
	var out []Node
	for _, n := range nodes {
		if n.ParentPath == parentPath {
			out = append(out, n)
		}
	}
	return out
}
