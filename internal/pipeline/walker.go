package pipeline

import "strconv"

// WalkSep joins path segments during condition walking. It is a private
// separator so keys containing real dots cannot collide with walked paths.
const WalkSep = "\x1f"

// Paths returns every intermediate and leaf path reachable in the tree,
// depth-first, parent before child. Array indices appear as numeric
// segments. Empty keys are skipped. Scalar values — including
// already-typed identifiers — are never recursed into. Duplicates are
// allowed; dedup is the caller's concern.
func Paths(n Node, sep string) []string {
	var out []string
	walkPaths(n, "", sep, &out)
	return out
}

func walkPaths(n Node, prefix, sep string, out *[]string) {
	switch n.Kind {
	case Map:
		for _, e := range n.Entries {
			if e.Key == "" {
				continue
			}
			p := e.Key
			if prefix != "" {
				p = prefix + sep + e.Key
			}
			*out = append(*out, p)
			walkPaths(e.Node, p, sep, out)
		}
	case List:
		for i, item := range n.Items {
			p := strconv.Itoa(i)
			if prefix != "" {
				p = prefix + sep + strconv.Itoa(i)
			}
			*out = append(*out, p)
			walkPaths(item, p, sep, out)
		}
	}
}

// DeepestPaths filters a path list down to the longest path per branch:
// a path is dropped when another retained path extends it by at least one
// segment. Prefix comparison is segment-count aware, so "ab" never
// shadows "a". The relative order of survivors is preserved.
func DeepestPaths(paths []string, sep string) []string {
	seen := make(map[string]struct{}, len(paths))
	uniq := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		uniq = append(uniq, p)
	}

	out := make([]string, 0, len(uniq))
	for _, p := range uniq {
		extended := false
		probe := p + sep
		for _, q := range uniq {
			if len(q) > len(probe) && q[:len(probe)] == probe {
				extended = true
				break
			}
		}
		if !extended {
			out = append(out, p)
		}
	}
	return out
}
