package dedup

// unionFind tracks connected components of document IDs with path
// compression. Components are the transitive closure of similarity pairs.
type unionFind struct {
	parent map[int64]int64
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[int64]int64)}
}

func (u *unionFind) find(id int64) int64 {
	root, ok := u.parent[id]
	if !ok {
		u.parent[id] = id
		return id
	}
	if root == id {
		return id
	}
	// Path compression: point directly at the root.
	r := u.find(root)
	u.parent[id] = r
	return r
}

func (u *unionFind) union(a, b int64) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	// Smaller root wins so component identity is input-order independent.
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}

// components returns every connected component keyed by its root.
func (u *unionFind) components() map[int64][]int64 {
	out := make(map[int64][]int64)
	for id := range u.parent {
		root := u.find(id)
		out[root] = append(out[root], id)
	}
	return out
}
