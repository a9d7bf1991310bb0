// Package tier selects the SLA tier that applies to a case.
package tier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/logging"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// Attributes are the customer attributes a tier is matched on.
type Attributes struct {
	Segment      string
	ContractType string
	SupportPlan  string
}

// Resolution is the outcome of tier selection.
type Resolution struct {
	Tier models.SLATier
	// Ambiguous is set when more than one active tier matched.
	Ambiguous bool
	// Candidates lists every matching tier id in tie-break order.
	Candidates []string
	// Fallback is set when no tier matched and the default tier was used.
	Fallback bool
}

// Select picks the applicable tier among tiers. Inactive tiers never match.
// Overlaps are broken by the narrowest segment set, then the most recent
// update, then the smallest id.
func Select(tiers []models.SLATier, attrs Attributes) (*Resolution, error) {
	var matches []models.SLATier
	for i := range tiers {
		t := tiers[i]
		if t.IsActive && t.Matches(attrs.Segment, attrs.ContractType, attrs.SupportPlan) {
			matches = append(matches, t)
		}
	}
	if len(matches) == 0 {
		return nil, slaerrors.ErrTierNotFound
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if len(a.CustomerSegments) != len(b.CustomerSegments) {
			return len(a.CustomerSegments) < len(b.CustomerSegments)
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})

	res := &Resolution{Tier: matches[0], Ambiguous: len(matches) > 1}
	for _, m := range matches {
		res.Candidates = append(res.Candidates, m.ID)
	}
	return res, nil
}

// Source is the part of a tier store the resolver reads. Both
// repository.TierStore and repository.Snapshot satisfy it.
type Source interface {
	ListTiers(ctx context.Context, activeOnly bool) ([]models.SLATier, error)
	GetTier(ctx context.Context, id string) (*models.SLATier, error)
}

// Resolver looks tiers up in a Source under a timeout.
type Resolver struct {
	store       Source
	defaultTier string
	timeout     time.Duration
	logger      *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDefaultTier sets the tier used when nothing matches.
func WithDefaultTier(id string) Option {
	return func(r *Resolver) { r.defaultTier = id }
}

// WithTimeout bounds each store lookup.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithLogger injects a logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver returns a Resolver over store.
func NewResolver(store Source, opts ...Option) *Resolver {
	r := &Resolver{store: store, timeout: 2 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger)
	return r
}

// DefaultTier returns the configured fallback tier id.
func (r *Resolver) DefaultTier() string { return r.defaultTier }

// Resolve returns the matching tier or slaerrors.ErrTierNotFound. A store
// timeout is a TransientError.
func (r *Resolver) Resolve(ctx context.Context, attrs Attributes) (*Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tiers, err := r.store.ListTiers(ctx, true)
	if err != nil {
		return nil, slaerrors.Classify("tier.resolve", fmt.Errorf("list tiers: %w", err))
	}

	res, err := Select(tiers, attrs)
	if err != nil {
		return nil, err
	}
	if res.Ambiguous {
		r.logger.Warn("ambiguous tier match",
			zap.String("segment", attrs.Segment),
			zap.String("contract_type", attrs.ContractType),
			zap.String("support_plan", attrs.SupportPlan),
			zap.Strings("candidates", res.Candidates),
			zap.String("selected", res.Tier.ID))
	}
	return res, nil
}

// ResolveOrDefault falls back to the default tier when nothing matches. A
// missing or inactive default tier is a ConfigurationError.
func (r *Resolver) ResolveOrDefault(ctx context.Context, attrs Attributes) (*Resolution, error) {
	res, err := r.Resolve(ctx, attrs)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, slaerrors.ErrTierNotFound) {
		return nil, err
	}

	if r.defaultTier == "" {
		return nil, slaerrors.Configurationf("tier.resolve", "%v and no default tier is configured", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	def, gerr := r.store.GetTier(ctx, r.defaultTier)
	if gerr != nil {
		if errors.Is(gerr, slaerrors.ErrNotFound) {
			return nil, slaerrors.Configurationf("tier.resolve", "default tier %q does not exist", r.defaultTier)
		}
		return nil, slaerrors.Classify("tier.resolve", fmt.Errorf("load default tier: %w", gerr))
	}
	if !def.IsActive {
		return nil, slaerrors.Configurationf("tier.resolve", "default tier %q is inactive", r.defaultTier)
	}

	r.logger.Info("no tier matched, using default",
		zap.String("segment", attrs.Segment),
		zap.String("contract_type", attrs.ContractType),
		zap.String("support_plan", attrs.SupportPlan),
		zap.String("default_tier", def.ID))
	return &Resolution{Tier: *def, Fallback: true, Candidates: []string{def.ID}}, nil
}
