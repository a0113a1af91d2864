// Package assessment runs the attempt lifecycle: start, answer recording,
// submission, lazy expiry and scoring, plus item analysis runs over graded
// attempts.
package assessment

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pavelanni/schoolexam/internal/model"
	"github.com/pavelanni/schoolexam/internal/scoring"
	"github.com/pavelanni/schoolexam/internal/store"
)

// Service coordinates the store with the scoring, grade conversion and
// analysis engines.
type Service struct {
	store  *store.Store
	scorer *scoring.Engine
	ident  model.IdentityProvider
	now    func() time.Time

	analysisRuns singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIdentity replaces the context-based identity provider.
func WithIdentity(ident model.IdentityProvider) Option {
	return func(s *Service) { s.ident = ident }
}

// New creates a Service over st.
func New(st *store.Store, opts ...Option) *Service {
	s := &Service{
		store:  st,
		scorer: scoring.New(),
		ident:  model.ContextIdentity{},
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) tenant(ctx context.Context) (string, error) {
	return s.ident.CurrentTenantID(ctx)
}

func (s *Service) caller(ctx context.Context) (studentID, tenantID string, err error) {
	if studentID, err = s.ident.CurrentStudentID(ctx); err != nil {
		return "", "", err
	}
	if tenantID, err = s.ident.CurrentTenantID(ctx); err != nil {
		return "", "", err
	}
	return studentID, tenantID, nil
}
