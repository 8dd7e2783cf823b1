package bgp

// better reports whether a is strictly preferred over b under the
// canonical BGP decision ladder: highest local-pref, shortest AS-path,
// lowest origin, lowest MED, prefer eBGP over iBGP, lowest IGP cost to
// next-hop, lowest router-id tie-break. A nil b always loses.
func better(a, b *Route) bool {
	if b == nil {
		return true
	}
	if a.Attrs.LocalPref != b.Attrs.LocalPref {
		return a.Attrs.LocalPref > b.Attrs.LocalPref
	}
	if la, lb := len(a.Attrs.ASPath), len(b.Attrs.ASPath); la != lb {
		return la < lb
	}
	if a.Attrs.Origin != b.Attrs.Origin {
		return a.Attrs.Origin < b.Attrs.Origin
	}
	if a.Attrs.MED != b.Attrs.MED {
		return a.Attrs.MED < b.Attrs.MED
	}
	if a.Attrs.EBGP != b.Attrs.EBGP {
		return a.Attrs.EBGP
	}
	if a.Attrs.NextHopID != b.Attrs.NextHopID {
		return a.Attrs.NextHopID < b.Attrs.NextHopID
	}
	return a.Attrs.RouterID < b.Attrs.RouterID
}

// bestOf returns the most preferred Route among candidates, or nil if
// candidates is empty.
func bestOf(candidates []*Route) *Route {
	var best *Route
	for _, c := range candidates {
		if better(c, best) {
			best = c
		}
	}
	return best
}
