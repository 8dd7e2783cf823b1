package isis

import (
	"bytes"
	"container/heap"
	"net/netip"
)

// SPFResult is one destination prefix this router's shortest-path tree
// reaches, with the total metric and the first-hop system id to forward
// through (zero/Local for a directly attached stub network).
type SPFResult struct {
	Prefix            netip.Prefix
	Metric            uint32
	NextHopSystemID   [6]byte
	Local             bool
}

type spfQueueItem struct {
	systemID [6]byte
	dist     uint32
}

type spfQueue []spfQueueItem

func (q spfQueue) Len() int           { return len(q) }
func (q spfQueue) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q spfQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *spfQueue) Push(x any)        { *q = append(*q, x.(spfQueueItem)) }
func (q *spfQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// dijkstra computes shortest-path distances and first-hop system ids from
// selfID over the system adjacency graph built from every LSP's Links.
func dijkstra(lsps []LSP, selfID [6]byte) (dist map[[6]byte]uint32, firstHop map[[6]byte][6]byte) {
	graph := make(map[[6]byte][]AdjLink, len(lsps))
	for _, lsp := range lsps {
		graph[lsp.AdvertisingSystem] = append(graph[lsp.AdvertisingSystem], lsp.Links...)
	}

	dist = map[[6]byte]uint32{selfID: 0}
	firstHop = map[[6]byte][6]byte{}
	visited := map[[6]byte]bool{}

	pq := &spfQueue{{systemID: selfID, dist: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(spfQueueItem)
		if visited[cur.systemID] {
			continue
		}
		visited[cur.systemID] = true

		for _, link := range graph[cur.systemID] {
			next := link.NeighborSystemID
			nd := cur.dist + link.Metric
			if existing, ok := dist[next]; ok && existing <= nd {
				continue
			}
			dist[next] = nd
			if cur.systemID == selfID {
				firstHop[next] = next
			} else {
				firstHop[next] = firstHop[cur.systemID]
			}
			heap.Push(pq, spfQueueItem{systemID: next, dist: nd})
		}
	}
	return dist, firstHop
}

// ComputeRoutes runs SPF over db's LSPs at level from selfID and returns
// the best route to every prefix reachable in the database, including
// selfID's own directly attached prefixes (marked Local). When multiple
// systems advertise the same prefix, the lowest total metric wins; ties
// break on the lowest advertising system id for determinism.
func ComputeRoutes(db *Database, level Level, selfID [6]byte) []SPFResult {
	lsps := db.All(level)
	dist, firstHop := dijkstra(lsps, selfID)

	best := make(map[netip.Prefix]SPFResult)
	bestAdvSystem := make(map[netip.Prefix][6]byte)
	for _, lsp := range lsps {
		systemDist, reachable := dist[lsp.AdvertisingSystem]
		if !reachable {
			continue
		}
		isSelf := lsp.AdvertisingSystem == selfID
		for _, net := range lsp.StubNetworks {
			metric := systemDist + net.Metric
			candidate := SPFResult{Prefix: net.Prefix, Metric: metric, Local: isSelf}
			if !isSelf {
				candidate.NextHopSystemID = firstHop[lsp.AdvertisingSystem]
			}
			existing, ok := best[net.Prefix]
			prevAdv := bestAdvSystem[net.Prefix]
			if !ok || metric < existing.Metric ||
				(metric == existing.Metric && bytes.Compare(lsp.AdvertisingSystem[:], prevAdv[:]) < 0) {
				best[net.Prefix] = candidate
				bestAdvSystem[net.Prefix] = lsp.AdvertisingSystem
			}
		}
	}

	out := make([]SPFResult, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	return out
}
