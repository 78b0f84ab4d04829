package mailbox

import (
	"strings"

	"github.com/nugget/mailroom/internal/taxonomy"
)

// Tree is the normalized folder listing of a mailbox. Paths match
// case-insensitively; IDs match exactly.
type Tree struct {
	folders []Folder
	byPath  map[string]int
	byID    map[string]int
}

// FlatFolder is an entry of a flat listing whose name encodes the full
// path with a delimiter.
type FlatFolder struct {
	ID   string
	Name string
}

// NestedFolder is an entry of a native folder tree.
type NestedFolder struct {
	ID       string
	Name     string
	Children []NestedFolder
}

func newTree() *Tree {
	return &Tree{byPath: make(map[string]int), byID: make(map[string]int)}
}

func (t *Tree) add(f Folder) {
	key := taxonomy.PathKey(f.Path)
	if _, ok := t.byPath[key]; ok {
		return
	}
	t.byPath[key] = len(t.folders)
	if f.ID != "" {
		t.byID[f.ID] = len(t.folders)
	}
	t.folders = append(t.folders, f)
}

// NewFlatTree builds a tree from delimiter-encoded names. Parent IDs
// are filled in where the parent itself is listed; a missing
// intermediate leaves ParentID empty.
func NewFlatTree(entries []FlatFolder, delim string) *Tree {
	t := newTree()
	for _, e := range entries {
		path := e.Name
		if delim != "" && delim != taxonomy.Separator {
			path = strings.ReplaceAll(path, delim, taxonomy.Separator)
		}
		t.add(Folder{ID: e.ID, Path: path})
	}
	for i, f := range t.folders {
		if parent, ok := t.Lookup(taxonomy.ParentOf(f.Path)); ok {
			t.folders[i].ParentID = parent.ID
		}
	}
	return t
}

// NewNestedTree builds a tree from a native hierarchy.
func NewNestedTree(roots []NestedFolder) *Tree {
	t := newTree()
	var walk func(nodes []NestedFolder, parentPath, parentID string)
	walk = func(nodes []NestedFolder, parentPath, parentID string) {
		for _, n := range nodes {
			path := taxonomy.JoinPath(parentPath, n.Name)
			t.add(Folder{ID: n.ID, Path: path, ParentID: parentID})
			walk(n.Children, path, n.ID)
		}
	}
	walk(roots, "", "")
	return t
}

// Lookup finds a folder by logical path.
func (t *Tree) Lookup(path string) (Folder, bool) {
	if t == nil || path == "" {
		return Folder{}, false
	}
	i, ok := t.byPath[taxonomy.PathKey(path)]
	if !ok {
		return Folder{}, false
	}
	return t.folders[i], true
}

// ByID finds a folder by provider ID.
func (t *Tree) ByID(id string) (Folder, bool) {
	if t == nil || id == "" {
		return Folder{}, false
	}
	i, ok := t.byID[id]
	if !ok {
		return Folder{}, false
	}
	return t.folders[i], true
}

// Folders returns every folder in listing order.
func (t *Tree) Folders() []Folder {
	if t == nil {
		return nil
	}
	out := make([]Folder, len(t.folders))
	copy(out, t.folders)
	return out
}

// Len returns the number of folders.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.folders)
}
