package ospf

import (
	"container/heap"
	"net/netip"
)

// SPFResult is one destination prefix this router's shortest-path tree
// reaches, with the total cost and the first-hop router id to forward
// through (zero/Local for a directly attached stub network).
type SPFResult struct {
	Prefix          netip.Prefix
	Cost            uint32
	NextHopRouterID uint32
	Local           bool
}

type spfQueueItem struct {
	routerID uint32
	dist     uint32
}

type spfQueue []spfQueueItem

func (q spfQueue) Len() int            { return len(q) }
func (q spfQueue) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q spfQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *spfQueue) Push(x any)         { *q = append(*q, x.(spfQueueItem)) }
func (q *spfQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// dijkstra computes shortest-path distances and first-hop router ids from
// selfID over the router adjacency graph built from every LSA's Links.
func dijkstra(lsas []LSA, selfID uint32) (dist map[uint32]uint32, firstHop map[uint32]uint32) {
	graph := make(map[uint32][]Link, len(lsas))
	for _, lsa := range lsas {
		graph[lsa.AdvertisingRouter] = append(graph[lsa.AdvertisingRouter], lsa.Links...)
	}

	dist = map[uint32]uint32{selfID: 0}
	firstHop = map[uint32]uint32{}
	visited := map[uint32]bool{}

	pq := &spfQueue{{routerID: selfID, dist: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(spfQueueItem)
		if visited[cur.routerID] {
			continue
		}
		visited[cur.routerID] = true

		for _, link := range graph[cur.routerID] {
			next := link.NeighborRouterID
			nd := cur.dist + link.Cost
			if existing, ok := dist[next]; ok && existing <= nd {
				continue
			}
			dist[next] = nd
			if cur.routerID == selfID {
				firstHop[next] = next
			} else {
				firstHop[next] = firstHop[cur.routerID]
			}
			heap.Push(pq, spfQueueItem{routerID: next, dist: nd})
		}
	}
	return dist, firstHop
}

// ComputeRoutes runs SPF over db from selfID and returns the best route to
// every stub network reachable in the database, including selfID's own
// directly attached networks (marked Local). When multiple routers
// advertise the same prefix, the lowest total cost wins; ties break on the
// lowest advertising router id for determinism.
func ComputeRoutes(db *Database, selfID uint32) []SPFResult {
	lsas := db.All()
	dist, firstHop := dijkstra(lsas, selfID)

	best := make(map[netip.Prefix]SPFResult)
	bestAdvRouter := make(map[netip.Prefix]uint32)
	for _, lsa := range lsas {
		routerDist, reachable := dist[lsa.AdvertisingRouter]
		if !reachable {
			continue
		}
		isSelf := lsa.AdvertisingRouter == selfID
		for _, net := range lsa.StubNetworks {
			cost := routerDist + net.Cost
			candidate := SPFResult{Prefix: net.Prefix, Cost: cost, Local: isSelf}
			if !isSelf {
				candidate.NextHopRouterID = firstHop[lsa.AdvertisingRouter]
			}
			existing, ok := best[net.Prefix]
			if !ok || cost < existing.Cost ||
				(cost == existing.Cost && lsa.AdvertisingRouter < bestAdvRouter[net.Prefix]) {
				best[net.Prefix] = candidate
				bestAdvRouter[net.Prefix] = lsa.AdvertisingRouter
			}
		}
	}

	out := make([]SPFResult, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	return out
}
