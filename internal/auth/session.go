package auth

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Validity is the last-known state of the source credential.
type Validity int

const (
	ValidityUnknown Validity = iota
	ValidityValid
	ValidityInvalid
	ValidityRefreshing
)

func (v Validity) String() string {
	switch v {
	case ValidityValid:
		return "valid"
	case ValidityInvalid:
		return "invalid"
	case ValidityRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Credential carries a captured authorization header value.
type Credential struct {
	Header string
}

// Refresher captures a fresh credential from the source.
type Refresher interface {
	Refresh(ctx context.Context) (Credential, error)
}

// ProbeFunc issues a minimal read against the source using the given header.
// A nil error means the header was accepted.
type ProbeFunc func(ctx context.Context, header string) error

// Session holds the process-wide source credential. The header is read by
// every fetch and written only by Refresh, under mutual exclusion.
type Session struct {
	mu        sync.RWMutex
	header    string
	validity  Validity
	refresher Refresher
	probe     ProbeFunc
	group     singleflight.Group
	logger    zerolog.Logger
}

// NewSession constructs a credential session seeded with an initial header,
// which may be empty.
func NewSession(initialHeader string, refresher Refresher, logger zerolog.Logger) *Session {
	return &Session{
		header:    initialHeader,
		validity:  ValidityUnknown,
		refresher: refresher,
		logger:    logger.With().Str("component", "auth_session").Logger(),
	}
}

// BindProbe installs the minimal-read used by Probe. Wired after construction
// because the source client itself reads headers from this session.
func (s *Session) BindProbe(probe ProbeFunc) {
	s.mu.Lock()
	s.probe = probe
	s.mu.Unlock()
}

// Header returns the current credential header value. Readers may observe a
// stale-but-valid value while a refresh is in flight.
func (s *Session) Header() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header
}

// Validity returns the last-known credential state.
func (s *Session) Validity() Validity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validity
}

// Probe issues a minimal read with the current header and caches the result.
func (s *Session) Probe(ctx context.Context) Validity {
	s.mu.RLock()
	probe := s.probe
	header := s.header
	s.mu.RUnlock()

	if probe == nil {
		return ValidityUnknown
	}

	validity := ValidityValid
	if err := probe(ctx, header); err != nil {
		s.logger.Warn().Err(err).Msg("credential probe rejected")
		validity = ValidityInvalid
	}

	s.mu.Lock()
	s.validity = validity
	s.mu.Unlock()
	return validity
}

// Refresh drives the refresher and installs the captured header. Concurrent
// callers coalesce onto a single refresh and all observe its outcome.
func (s *Session) Refresh(ctx context.Context) (Validity, error) {
	v, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		s.setValidity(ValidityRefreshing)

		cred, refreshErr := s.refresher.Refresh(ctx)
		if refreshErr != nil {
			s.setValidity(ValidityInvalid)
			return ValidityInvalid, refreshErr
		}

		s.mu.Lock()
		s.header = cred.Header
		s.validity = ValidityValid
		s.mu.Unlock()

		s.logger.Info().Msg("credential refreshed")
		return ValidityValid, nil
	})
	return v.(Validity), err
}

func (s *Session) setValidity(v Validity) {
	s.mu.Lock()
	s.validity = v
	s.mu.Unlock()
}
