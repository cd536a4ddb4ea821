package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/fnrelease/pkg/gcp"
	"github.com/openfroyo/fnrelease/pkg/telemetry"
)

const (
	// DefaultSourceTokenValidity is how long a collected source token is reused.
	DefaultSourceTokenValidity = 25 * time.Minute

	// DefaultSourceTokenFetchTimeout bounds how long a caller waits for a sibling's token.
	DefaultSourceTokenFetchTimeout = 3 * time.Minute
)

// tokenFetch is one round of token collection. ready is closed once token is set.
type tokenFetch struct {
	ready  chan struct{}
	token  string
	closed bool
}

func newTokenFetch() *tokenFetch {
	return &tokenFetch{ready: make(chan struct{})}
}

// SourceTokenScraper shares one build's reuse token with the other builds of
// a changeset. The first caller gets no token and seeds a full build; later
// callers wait until the seed's operation reports a token or finishes.
type SourceTokenScraper struct {
	validFor     time.Duration
	fetchTimeout time.Duration
	logger       *telemetry.Logger

	mu      sync.Mutex
	state   ScraperState
	current *tokenFetch
	expiry  time.Time
}

// NewSourceTokenScraper creates a scraper. Zero durations use the defaults.
func NewSourceTokenScraper(validFor, fetchTimeout time.Duration, logger *telemetry.Logger) *SourceTokenScraper {
	if validFor <= 0 {
		validFor = DefaultSourceTokenValidity
	}
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultSourceTokenFetchTimeout
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &SourceTokenScraper{
		validFor:     validFor,
		fetchTimeout: fetchTimeout,
		logger:       logger,
		state:        ScraperStateNone,
		current:      newTokenFetch(),
	}
}

// State returns the scraper state.
func (s *SourceTokenScraper) State() ScraperState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetToken returns the token to send with the next build. An empty token
// means the caller builds from scratch.
func (s *SourceTokenScraper) GetToken(ctx context.Context) string {
	s.mu.Lock()
	switch s.state {
	case ScraperStateNone:
		s.state = ScraperStateFetching
		s.mu.Unlock()
		return ""
	case ScraperStateValid:
		if time.Now().After(s.expiry) {
			s.state = ScraperStateFetching
			s.current = newTokenFetch()
			s.mu.Unlock()
			return ""
		}
	}
	fetch := s.current
	s.mu.Unlock()

	timer := time.NewTimer(s.fetchTimeout)
	defer timer.Stop()

	select {
	case <-fetch.ready:
		return fetch.token
	case <-timer.C:
		s.mu.Lock()
		if s.current == fetch && s.state == ScraperStateFetching {
			s.state = ScraperStateNone
		}
		s.mu.Unlock()
		return ""
	case <-ctx.Done():
		return ""
	}
}

// Poller observes a build operation. Once the operation carries a token or
// is done, waiting callers are released with the token (which may be empty)
// and the validity window restarts.
func (s *SourceTokenScraper) Poller(st *gcp.OperationStatus) {
	if st == nil || (st.SourceToken == "" && !st.Done) {
		return
	}
	token, target := st.SourceToken, st.Target

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.current.closed {
		s.current.token = token
		s.current.closed = true
		close(s.current.ready)
		s.logger.Debugf("Got source token %q for region %s", token, regionOf(target))
	}
	s.state = ScraperStateValid
	s.expiry = time.Now().Add(s.validFor)
}

// Abort releases waiting callers without a token and starts collection over.
// Used when the seed build failed so siblings are not left waiting on it.
func (s *SourceTokenScraper) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.current.closed {
		s.current.closed = true
		close(s.current.ready)
	}
	s.current = newTokenFetch()
	s.state = ScraperStateNone
}

// regionOf extracts the location from projects/<p>/locations/<region>/...
func regionOf(target string) string {
	parts := strings.Split(target, "/")
	if len(parts) > 3 {
		return parts[3]
	}
	return ""
}
