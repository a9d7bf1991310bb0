package condition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

func TestMatch(t *testing.T) {
	facts := CaseFacts(models.PriorityCritical, "enterprise", "annual", "premium", []string{"vip", "billing"}).
		SetNumber(FieldRemainingMinutes, -1).
		SetNumber(FieldElapsedMinutes, 16)

	tests := []struct {
		name  string
		conds models.Conditions
		want  bool
	}{
		{"empty list matches", nil, true},
		{"priority equality is case-insensitive", models.Conditions{{Field: FieldPriority, Operator: models.OpEquals, Value: "Critical"}}, true},
		{"tag membership", models.Conditions{{Field: FieldTag, Operator: models.OpContains, Value: "vip"}}, true},
		{"tag absent", models.Conditions{{Field: FieldTag, Operator: models.OpContains, Value: "legal"}}, false},
		{"in list", models.Conditions{{Field: FieldSegment, Operator: models.OpIn, Value: "smb, enterprise"}}, true},
		{"not in list", models.Conditions{{Field: FieldSegment, Operator: models.OpNotIn, Value: "smb"}}, true},
		{"remaining below zero", models.Conditions{{Field: FieldRemainingMinutes, Operator: models.OpLessOrEqual, Value: "0"}}, true},
		{"elapsed as duration", models.Conditions{{Field: FieldElapsedMinutes, Operator: models.OpGreater, Value: "15m"}}, true},
		{"priority rank comparison", models.Conditions{{Field: FieldPriority, Operator: models.OpGreaterOrEq, Value: "high"}}, true},
		{"conjunction fails on one", models.Conditions{
			{Field: FieldPriority, Operator: models.OpEquals, Value: "critical"},
			{Field: FieldSupportPlan, Operator: models.OpEquals, Value: "basic"},
		}, false},
		{"missing fact does not hold", models.Conditions{{Field: FieldHour, Operator: models.OpEquals, Value: "3"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(tt.conds, facts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(models.Conditions{
		{Field: FieldPriority, Operator: models.OpIn, Value: "low,medium"},
		{Field: FieldHour, Operator: models.OpGreaterOrEq, Value: "18"},
	}))

	bad := []models.Condition{
		{Field: "no_response", Operator: models.OpGreater, Value: "15m"},
		{Field: FieldPriority, Operator: "~=", Value: "low"},
		{Field: FieldRemainingMinutes, Operator: models.OpLess, Value: "soon"},
		{Field: FieldTag, Operator: models.OpIn, Value: " , "},
	}
	for _, c := range bad {
		err := Validate(models.Conditions{c})
		require.Error(t, err, "%+v", c)
		assert.True(t, slaerrors.IsConfiguration(err))
		assert.ErrorIs(t, err, slaerrors.ErrMalformedCondition)
	}
}

func TestTimeFacts(t *testing.T) {
	ts := time.Date(2025, 12, 25, 14, 30, 0, 0, time.UTC)
	f := TimeFacts(ts)

	ok, err := Match(models.Conditions{
		{Field: FieldDate, Operator: models.OpEquals, Value: "2025-12-25"},
		{Field: FieldWeekday, Operator: models.OpEquals, Value: "thu"},
		{Field: FieldHour, Operator: models.OpGreaterOrEq, Value: "14"},
		{Field: FieldMonth, Operator: models.OpEquals, Value: "12"},
	}, f)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.False(t, OnlyCaseFields(models.Conditions{{Field: FieldHour, Operator: models.OpEquals, Value: "1"}}))
	assert.True(t, OnlyCaseFields(models.Conditions{{Field: FieldPriority, Operator: models.OpEquals, Value: "low"}}))
}
