package backend

import (
	"regexp"
	"strings"
)

// EndpointFilter restricts a deploy to a codebase and/or an id prefix.
// IDChunks is compared against the "-"-separated chunks of an endpoint id,
// so ["group", "fn"] matches "group-fn" and "group-fn-extra".
type EndpointFilter struct {
	Codebase string
	IDChunks []string
}

var chunkSep = regexp.MustCompile(`[-.]`)

// ParseFilters parses a comma separated --only value. Each selector is either
// "codebase:group.fn" or a bare "group.fn"; a bare selector may also name a
// codebase so it yields both interpretations. A leading "functions:" is ignored.
func ParseFilters(only string) []EndpointFilter {
	var filters []EndpointFilter
	for _, selector := range strings.Split(only, ",") {
		selector = strings.TrimSpace(selector)
		selector = strings.TrimPrefix(selector, "functions:")
		if selector == "" {
			continue
		}
		filters = append(filters, parseSelector(selector)...)
	}
	return filters
}

func parseSelector(selector string) []EndpointFilter {
	if codebase, fn, ok := strings.Cut(selector, ":"); ok {
		f := EndpointFilter{Codebase: codebase}
		if fn != "" {
			f.IDChunks = chunkSep.Split(fn, -1)
		}
		return []EndpointFilter{f}
	}
	return []EndpointFilter{
		{Codebase: selector},
		{Codebase: DefaultCodebase, IDChunks: chunkSep.Split(selector, -1)},
	}
}

// Matches reports whether the endpoint satisfies the filter.
func (f EndpointFilter) Matches(e *Endpoint) bool {
	if f.Codebase != "" && e.CodebaseOrDefault() != f.Codebase {
		return false
	}
	if len(f.IDChunks) == 0 {
		return true
	}
	idChunks := strings.Split(e.ID, "-")
	if len(idChunks) < len(f.IDChunks) {
		return false
	}
	for i, chunk := range f.IDChunks {
		if idChunks[i] != chunk {
			return false
		}
	}
	return true
}

// MatchesAnyFilter reports whether e matches at least one filter. No filters match everything.
func MatchesAnyFilter(e *Endpoint, filters []EndpointFilter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(e) {
			return true
		}
	}
	return false
}

// String renders the filter the way it would be typed on the command line.
func (f EndpointFilter) String() string {
	id := strings.Join(f.IDChunks, "-")
	switch {
	case f.Codebase == "":
		return id
	case id == "":
		return f.Codebase
	default:
		return f.Codebase + ":" + id
	}
}
