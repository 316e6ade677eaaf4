// Package routing finds low-cost paths through a weighted road graph:
// nearest-node snapping, Dijkstra by edge weight, and Yen's algorithm
// for ranked alternatives.
package routing

import (
	"container/heap"
	"math"
	"sort"

	"github.com/ctessum/geom"

	"github.com/aeris-io/aeris/internal/geo"
	"github.com/aeris-io/aeris/internal/roadgraph"
)

// Path is one routed alternative with its aggregates.
type Path struct {
	Coords        []geom.Point `json:"coords"`
	ExposureScore float64      `json:"exposure_score"`
	DistanceKm    float64      `json:"distance_km"`
	TimeMin       float64      `json:"time_min"`
	Cost          float64      `json:"cost"`
}

type edge struct {
	to       int
	weight   float64
	lengthKm float64
	meanUPES float64
	timeH    float64
	geometry []geom.Point
}

// network is the simple directed graph the pathfinder runs on: parallel
// edges already collapsed to the minimum-weight one per node pair.
type network struct {
	nodes []roadgraph.Node
	index map[int64]int
	adj   [][]edge
}

func build(g *roadgraph.Graph) *network {
	n := &network{index: make(map[int64]int, len(g.Nodes))}
	for id, node := range g.Nodes {
		n.index[id] = len(n.nodes)
		n.nodes = append(n.nodes, node)
	}
	n.adj = make([][]edge, len(n.nodes))

	type pair struct{ u, v int }
	best := make(map[pair]edge, len(g.Edges))
	for _, e := range g.Edges {
		u, okU := n.index[e.From]
		v, okV := n.index[e.To]
		if !okU || !okV || u == v || math.IsInf(e.Weight, 1) {
			continue
		}
		geomLine := e.Geometry
		if len(geomLine) < 2 {
			from := g.Nodes[e.From]
			to := g.Nodes[e.To]
			geomLine = []geom.Point{{X: from.Lon, Y: from.Lat}, {X: to.Lon, Y: to.Lat}}
		}
		cand := edge{
			to:       v,
			weight:   e.Weight,
			lengthKm: e.LengthM / 1000,
			meanUPES: e.MeanUPES,
			timeH:    e.TimeH,
			geometry: geomLine,
		}
		if cur, ok := best[pair{u, v}]; !ok || cand.weight < cur.weight {
			best[pair{u, v}] = cand
		}
	}
	for p, e := range best {
		n.adj[p.u] = append(n.adj[p.u], e)
	}
	return n
}

// nearest returns the index of the node closest to (lon, lat), or -1
// for an empty graph.
func (n *network) nearest(lon, lat float64) int {
	bestIdx := -1
	bestKm := math.Inf(1)
	for i, node := range n.nodes {
		d := geo.EquirectKm(lon, lat, node.Lon, node.Lat)
		if d < bestKm {
			bestKm = d
			bestIdx = i
		}
	}
	return bestIdx
}

type pqItem struct {
	node int
	dist float64
}

type pq []pqItem

func (q pq) Len() int           { return len(q) }
func (q pq) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q pq) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *pq) Push(x any)        { *q = append(*q, x.(pqItem)) }

func (q *pq) Pop() any {
	old := *q
	x := old[len(old)-1]
	*q = old[:len(old)-1]
	return x
}

// dijkstra returns the node sequence of the cheapest path, skipping
// blocked nodes and edges; nil when unreachable.
func (n *network) dijkstra(from, to int, blockedNodes map[int]bool, blockedEdges map[[2]int]bool) []int {
	dist := make([]float64, len(n.nodes))
	prev := make([]int, len(n.nodes))
	done := make([]bool, len(n.nodes))
	for i := range dist {
		dist[i] = math.Inf(1)
		prev[i] = -1
	}
	dist[from] = 0

	q := &pq{{node: from}}
	for q.Len() > 0 {
		it := heap.Pop(q).(pqItem)
		u := it.node
		if done[u] {
			continue
		}
		done[u] = true
		if u == to {
			break
		}
		for _, e := range n.adj[u] {
			if blockedNodes[e.to] || blockedEdges[[2]int{u, e.to}] {
				continue
			}
			if d := dist[u] + e.weight; d < dist[e.to] {
				dist[e.to] = d
				prev[e.to] = u
				heap.Push(q, pqItem{node: e.to, dist: d})
			}
		}
	}

	if math.IsInf(dist[to], 1) {
		return nil
	}
	var seq []int
	for at := to; at != -1; at = prev[at] {
		seq = append(seq, at)
	}
	for i, j := 0, len(seq)-1; i < j; i, j = i+1, j-1 {
		seq[i], seq[j] = seq[j], seq[i]
	}
	return seq
}

func (n *network) edgeBetween(u, v int) (edge, bool) {
	for _, e := range n.adj[u] {
		if e.to == v {
			return e, true
		}
	}
	return edge{}, false
}

func (n *network) pathCost(seq []int) float64 {
	var cost float64
	for i := 1; i < len(seq); i++ {
		e, ok := n.edgeBetween(seq[i-1], seq[i])
		if !ok {
			return math.Inf(1)
		}
		cost += e.weight
	}
	return cost
}

type candidate struct {
	seq  []int
	cost float64
}

// kShortest is Yen's algorithm: up to k loopless paths in non-decreasing
// cost order.
func (n *network) kShortest(from, to, k int) [][]int {
	first := n.dijkstra(from, to, nil, nil)
	if first == nil {
		return nil
	}
	found := [][]int{first}
	var candidates []candidate

	for len(found) < k {
		last := found[len(found)-1]
		for i := 0; i < len(last)-1; i++ {
			spur := last[i]
			root := last[:i+1]

			blockedEdges := make(map[[2]int]bool)
			for _, p := range found {
				if len(p) > i+1 && equalPrefix(p, root) {
					blockedEdges[[2]int{p[i], p[i+1]}] = true
				}
			}
			blockedNodes := make(map[int]bool)
			for _, node := range root[:len(root)-1] {
				blockedNodes[node] = true
			}

			tail := n.dijkstra(spur, to, blockedNodes, blockedEdges)
			if tail == nil {
				continue
			}
			seq := append(append([]int(nil), root[:len(root)-1]...), tail...)
			if containsPath(found, seq) || containsCandidate(candidates, seq) {
				continue
			}
			candidates = append(candidates, candidate{seq: seq, cost: n.pathCost(seq)})
		}
		if len(candidates) == 0 {
			break
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].cost < candidates[j].cost })
		found = append(found, candidates[0].seq)
		candidates = candidates[1:]
	}
	return found
}

func equalPrefix(p, prefix []int) bool {
	if len(p) < len(prefix) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

func equalPath(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsPath(paths [][]int, seq []int) bool {
	for _, p := range paths {
		if equalPath(p, seq) {
			return true
		}
	}
	return false
}

func containsCandidate(cs []candidate, seq []int) bool {
	for _, c := range cs {
		if equalPath(c.seq, seq) {
			return true
		}
	}
	return false
}

// assemble turns a node sequence into a Path: edge geometries joined
// into one LineString with consecutive duplicates dropped, aggregates
// summed per edge.
func (n *network) assemble(seq []int) *Path {
	p := &Path{}
	for i := 1; i < len(seq); i++ {
		e, ok := n.edgeBetween(seq[i-1], seq[i])
		if !ok {
			return nil
		}
		for _, pt := range e.geometry {
			if len(p.Coords) == 0 || p.Coords[len(p.Coords)-1] != pt {
				p.Coords = append(p.Coords, pt)
			}
		}
		p.ExposureScore += e.meanUPES * e.lengthKm
		p.DistanceKm += e.lengthKm
		p.TimeMin += 60 * e.timeH
		p.Cost += e.weight
	}
	return p
}

// Find snaps origin and destination to the graph and returns up to k
// alternatives ordered by cost. Nil when the graph is empty, snapping
// fails, or no path exists.
func Find(g *roadgraph.Graph, originLon, originLat, destLon, destLat float64, k int) []Path {
	if g.Empty() || k <= 0 {
		return nil
	}
	n := build(g)
	from := n.nearest(originLon, originLat)
	to := n.nearest(destLon, destLat)
	if from < 0 || to < 0 || from == to {
		return nil
	}

	var out []Path
	for _, seq := range n.kShortest(from, to, k) {
		if p := n.assemble(seq); p != nil {
			out = append(out, *p)
		}
	}
	return out
}
