package pointcloud

import (
	"sort"

	"github.com/golang/geo/r3"
)

// kdLeafSize bounds how many points the bottom of the tree scans linearly.
const kdLeafSize = 16

// A Neighbor is a single nearest-neighbor query result.
type Neighbor struct {
	Index  int
	SqDist float64
}

// A KDTree is an immutable spatial index over the points of a cloud
// snapshot. The tree references the cloud's point slice directly, so the
// cloud must not change while the tree is in use. Queries are exact.
type KDTree struct {
	pts   []r3.Vector
	order []int32
	nodes []kdNode
	root  int32
}

type kdNode struct {
	axis        int8 // -1 marks a leaf
	split       float64
	start, end  int32
	left, right int32
}

// BuildKDTree indexes a cloud by recursive median splits along the widest
// axis of each subset.
func BuildKDTree(c *Cloud) *KDTree {
	t := &KDTree{pts: c.Points, root: -1}
	n := len(c.Points)
	if n == 0 {
		return t
	}
	t.order = make([]int32, n)
	for i := range t.order {
		t.order[i] = int32(i)
	}
	t.nodes = make([]kdNode, 0, 2*(n/kdLeafSize+1))
	t.root = t.build(0, int32(n))
	return t
}

// Size returns the number of indexed points.
func (t *KDTree) Size() int {
	return len(t.pts)
}

func (t *KDTree) build(start, end int32) int32 {
	if end-start <= kdLeafSize {
		t.nodes = append(t.nodes, kdNode{axis: -1, start: start, end: end, left: -1, right: -1})
		return int32(len(t.nodes) - 1)
	}
	axis := t.widestAxis(start, end)
	seg := t.order[start:end]
	sort.Slice(seg, func(a, b int) bool {
		return axisCoord(t.pts[seg[a]], axis) < axisCoord(t.pts[seg[b]], axis)
	})
	mid := (start + end) / 2

	idx := int32(len(t.nodes))
	t.nodes = append(t.nodes, kdNode{
		axis:  int8(axis),
		split: axisCoord(t.pts[t.order[mid]], axis),
		start: start,
		end:   end,
	})
	left := t.build(start, mid)
	right := t.build(mid, end)
	t.nodes[idx].left = left
	t.nodes[idx].right = right
	return idx
}

func (t *KDTree) widestAxis(start, end int32) int {
	lo := t.pts[t.order[start]]
	hi := lo
	for _, pi := range t.order[start+1 : end] {
		p := t.pts[pi]
		lo.X = min(lo.X, p.X)
		lo.Y = min(lo.Y, p.Y)
		lo.Z = min(lo.Z, p.Z)
		hi.X = max(hi.X, p.X)
		hi.Y = max(hi.Y, p.Y)
		hi.Z = max(hi.Z, p.Z)
	}
	ext := hi.Sub(lo)
	axis := 0
	widest := ext.X
	if ext.Y > widest {
		axis, widest = 1, ext.Y
	}
	if ext.Z > widest {
		axis = 2
	}
	return axis
}

func axisCoord(v r3.Vector, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// Nearest returns the index of the point closest to q, restricted to points
// within the squared distance maxSqDist (inclusive). ok is false when no
// point qualifies. Ties keep the first point found.
func (t *KDTree) Nearest(q r3.Vector, maxSqDist float64) (int, float64, bool) {
	if t.root < 0 {
		return 0, 0, false
	}
	st := nnState{bestIdx: -1, bestD2: maxSqDist}
	t.nearest(t.root, q, &st)
	if st.bestIdx < 0 {
		return 0, 0, false
	}
	return int(st.bestIdx), st.bestD2, true
}

type nnState struct {
	bestIdx int32
	bestD2  float64
}

func (t *KDTree) nearest(ni int32, q r3.Vector, st *nnState) {
	n := &t.nodes[ni]
	if n.axis < 0 {
		for _, pi := range t.order[n.start:n.end] {
			d2 := q.Sub(t.pts[pi]).Norm2()
			if d2 < st.bestD2 || (st.bestIdx < 0 && d2 <= st.bestD2) {
				st.bestD2 = d2
				st.bestIdx = pi
			}
		}
		return
	}
	diff := axisCoord(q, int(n.axis)) - n.split
	near, far := n.left, n.right
	if diff >= 0 {
		near, far = n.right, n.left
	}
	t.nearest(near, q, st)
	if diff*diff <= st.bestD2 {
		t.nearest(far, q, st)
	}
}

// KNearest returns the k points nearest to q in ascending distance order,
// or fewer when the cloud holds fewer than k points. buf, when non-nil,
// backs the returned slice so steady-state queries do not allocate.
func (t *KDTree) KNearest(q r3.Vector, k int, buf []Neighbor) []Neighbor {
	out := buf[:0]
	if t.root < 0 || k <= 0 {
		return out
	}
	return t.kNearest(t.root, q, k, out)
}

func (t *KDTree) kNearest(ni int32, q r3.Vector, k int, set []Neighbor) []Neighbor {
	n := &t.nodes[ni]
	if n.axis < 0 {
		for _, pi := range t.order[n.start:n.end] {
			d2 := q.Sub(t.pts[pi]).Norm2()
			set = insertNeighbor(set, k, Neighbor{Index: int(pi), SqDist: d2})
		}
		return set
	}
	diff := axisCoord(q, int(n.axis)) - n.split
	near, far := n.left, n.right
	if diff >= 0 {
		near, far = n.right, n.left
	}
	set = t.kNearest(near, q, k, set)
	if len(set) < k || diff*diff <= set[len(set)-1].SqDist {
		set = t.kNearest(far, q, k, set)
	}
	return set
}

// insertNeighbor places cand into the ascending-ordered result set, bounded
// to k entries.
func insertNeighbor(set []Neighbor, k int, cand Neighbor) []Neighbor {
	if len(set) == k && cand.SqDist >= set[len(set)-1].SqDist {
		return set
	}
	pos := sort.Search(len(set), func(i int) bool { return set[i].SqDist > cand.SqDist })
	if len(set) < k {
		set = append(set, Neighbor{})
	}
	copy(set[pos+1:], set[pos:])
	set[pos] = cand
	return set
}
