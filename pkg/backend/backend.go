package backend

import (
	"fmt"
	"sort"
	"strings"
)

// Backend is the set of endpoints for one reconciliation pass, keyed by
// region then id. Backends are built once and treated as read-only; only the
// observed fields of their endpoints change during fabrication.
type Backend struct {
	Endpoints map[string]map[string]*Endpoint
}

// Empty returns a backend with no endpoints.
func Empty() *Backend {
	return &Backend{Endpoints: make(map[string]map[string]*Endpoint)}
}

// Of builds a backend from endpoints, failing on a duplicate (region, id).
func Of(endpoints ...*Endpoint) (*Backend, error) {
	b := Empty()
	for _, ep := range endpoints {
		if err := b.add(ep); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Backend) add(ep *Endpoint) error {
	if ep == nil {
		return fmt.Errorf("nil endpoint")
	}
	regional, ok := b.Endpoints[ep.Region]
	if !ok {
		regional = make(map[string]*Endpoint)
		b.Endpoints[ep.Region] = regional
	}
	if existing, dup := regional[ep.ID]; dup {
		return fmt.Errorf("duplicate endpoint %s: already declared in codebase %q",
			Label(ep), existing.CodebaseOrDefault())
	}
	regional[ep.ID] = ep
	return nil
}

// Get returns the endpoint with the given region and id.
func (b *Backend) Get(region, id string) (*Endpoint, bool) {
	if b == nil {
		return nil, false
	}
	ep, ok := b.Endpoints[region][id]
	return ep, ok
}

// Has reports whether the backend contains an endpoint with the same region and id.
func (b *Backend) Has(ep *Endpoint) bool {
	_, ok := b.Get(ep.Region, ep.ID)
	return ok
}

// Regional returns the endpoints of one region keyed by id. The map must not be modified.
func (b *Backend) Regional(region string) map[string]*Endpoint {
	if b == nil {
		return nil
	}
	return b.Endpoints[region]
}

// Regions returns the sorted list of regions with at least one endpoint.
func (b *Backend) Regions() []string {
	if b == nil {
		return nil
	}
	regions := make([]string, 0, len(b.Endpoints))
	for region, eps := range b.Endpoints {
		if len(eps) > 0 {
			regions = append(regions, region)
		}
	}
	sort.Strings(regions)
	return regions
}

// AllEndpoints returns every endpoint ordered by Compare.
func (b *Backend) AllEndpoints() []*Endpoint {
	if b == nil {
		return nil
	}
	var all []*Endpoint
	for _, eps := range b.Endpoints {
		for _, ep := range eps {
			all = append(all, ep)
		}
	}
	sort.Slice(all, func(i, j int) bool { return Compare(all[i], all[j]) < 0 })
	return all
}

// Len returns the number of endpoints.
func (b *Backend) Len() int {
	if b == nil {
		return 0
	}
	n := 0
	for _, eps := range b.Endpoints {
		n += len(eps)
	}
	return n
}

// Matching returns a new backend sharing the endpoints that satisfy pred.
func (b *Backend) Matching(pred func(*Endpoint) bool) *Backend {
	out := Empty()
	if b == nil {
		return out
	}
	for region, eps := range b.Endpoints {
		for id, ep := range eps {
			if !pred(ep) {
				continue
			}
			if out.Endpoints[region] == nil {
				out.Endpoints[region] = make(map[string]*Endpoint)
			}
			out.Endpoints[region][id] = ep
		}
	}
	return out
}

// Some reports whether any endpoint satisfies pred.
func (b *Backend) Some(pred func(*Endpoint) bool) bool {
	if b == nil {
		return false
	}
	for _, eps := range b.Endpoints {
		for _, ep := range eps {
			if pred(ep) {
				return true
			}
		}
	}
	return false
}

// Compare orders endpoints by platform (current first), region, then id.
func Compare(a, b *Endpoint) int {
	if a.Platform != b.Platform {
		// gcfv2 sorts before gcfv1
		return -strings.Compare(string(a.Platform), string(b.Platform))
	}
	if c := strings.Compare(a.Region, b.Region); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
