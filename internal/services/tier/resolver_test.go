package tier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/repository"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func mkTier(id string, segments []string, updated time.Time) models.SLATier {
	return models.SLATier{
		ID:               id,
		Name:             id,
		CustomerSegments: segments,
		ContractTypes:    models.StringList{"annual"},
		SupportPlans:     models.StringList{"premium"},
		IsActive:         true,
		UpdatedAt:        updated,
	}
}

var attrs = Attributes{Segment: "enterprise", ContractType: "annual", SupportPlan: "premium"}

func TestSelect(t *testing.T) {
	tests := []struct {
		name      string
		tiers     []models.SLATier
		want      string
		ambiguous bool
	}{
		{
			name:  "single match",
			tiers: []models.SLATier{mkTier("gold", []string{"enterprise"}, base)},
			want:  "gold",
		},
		{
			name: "narrowest segment set wins",
			tiers: []models.SLATier{
				mkTier("broad", []string{"enterprise", "smb", "startup"}, base.Add(time.Hour)),
				mkTier("narrow", []string{"enterprise"}, base),
			},
			want:      "narrow",
			ambiguous: true,
		},
		{
			name: "most recently updated wins on equal width",
			tiers: []models.SLATier{
				mkTier("old", []string{"enterprise"}, base),
				mkTier("new", []string{"enterprise"}, base.Add(time.Hour)),
			},
			want:      "new",
			ambiguous: true,
		},
		{
			name: "smallest id wins on full tie",
			tiers: []models.SLATier{
				mkTier("beta", []string{"enterprise"}, base),
				mkTier("alpha", []string{"enterprise"}, base),
			},
			want:      "alpha",
			ambiguous: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Select(tt.tiers, attrs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Tier.ID)
			assert.Equal(t, tt.ambiguous, res.Ambiguous)
			assert.Equal(t, tt.want, res.Candidates[0])
		})
	}

	t.Run("inactive tiers never match", func(t *testing.T) {
		off := mkTier("gold", []string{"enterprise"}, base)
		off.IsActive = false
		_, err := Select([]models.SLATier{off}, attrs)
		assert.ErrorIs(t, err, slaerrors.ErrTierNotFound)
	})

	t.Run("every attribute must be a member", func(t *testing.T) {
		_, err := Select([]models.SLATier{mkTier("gold", []string{"enterprise"}, base)},
			Attributes{Segment: "enterprise", ContractType: "monthly", SupportPlan: "premium"})
		assert.ErrorIs(t, err, slaerrors.ErrTierNotFound)
	})
}

func seeded(t *testing.T, tiers ...models.SLATier) *repository.MemorySLARepository {
	t.Helper()
	repo := repository.NewMemorySLARepository()
	for i := range tiers {
		require.NoError(t, repo.SaveTier(context.Background(), &tiers[i]))
	}
	return repo
}

func TestResolveOrDefault(t *testing.T) {
	ctx := context.Background()
	std := mkTier("standard", []string{"smb"}, base)

	t.Run("match does not fall back", func(t *testing.T) {
		r := NewResolver(seeded(t, std, mkTier("gold", []string{"enterprise"}, base)), WithDefaultTier("standard"))
		res, err := r.ResolveOrDefault(ctx, attrs)
		require.NoError(t, err)
		assert.Equal(t, "gold", res.Tier.ID)
		assert.False(t, res.Fallback)
	})

	t.Run("no match uses default", func(t *testing.T) {
		r := NewResolver(seeded(t, std), WithDefaultTier("standard"))
		res, err := r.ResolveOrDefault(ctx, attrs)
		require.NoError(t, err)
		assert.Equal(t, "standard", res.Tier.ID)
		assert.True(t, res.Fallback)
	})

	t.Run("no default configured", func(t *testing.T) {
		r := NewResolver(seeded(t, std))
		_, err := r.ResolveOrDefault(ctx, attrs)
		assert.True(t, slaerrors.IsConfiguration(err))
	})

	t.Run("missing default tier", func(t *testing.T) {
		r := NewResolver(seeded(t, std), WithDefaultTier("platinum"))
		_, err := r.ResolveOrDefault(ctx, attrs)
		assert.True(t, slaerrors.IsConfiguration(err))
	})

	t.Run("inactive default tier", func(t *testing.T) {
		off := std
		off.IsActive = false
		r := NewResolver(seeded(t, off), WithDefaultTier("standard"))
		_, err := r.ResolveOrDefault(ctx, attrs)
		assert.True(t, slaerrors.IsConfiguration(err))
	})
}

type blockingStore struct {
	*repository.MemorySLARepository
}

func (blockingStore) ListTiers(ctx context.Context, activeOnly bool) ([]models.SLATier, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestResolveTimeoutIsTransient(t *testing.T) {
	r := NewResolver(blockingStore{repository.NewMemorySLARepository()}, WithTimeout(10*time.Millisecond))
	_, err := r.Resolve(context.Background(), attrs)
	require.Error(t, err)
	assert.True(t, slaerrors.IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
