package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/auth"
	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/models"
)

func TestCheckConfigBuiltInSeed(t *testing.T) {
	var out bytes.Buffer
	err := checkConfig(context.Background(), &out, config.Defaults(), "", zap.NewNop())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "configuration OK")
}

func TestCheckConfigReportsProblems(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`
tiers:
  - id: gold
    name: Gold
    calendar_name: emea
    is_active: true
targets:
  - {tier_id: gold, priority: critical, first_response_minutes: 15, resolution_minutes: 60}
`), 0o600))

	cfg := config.Defaults()
	cfg.Engine.DefaultTier = "platinum"

	var out bytes.Buffer
	err := checkConfig(context.Background(), &out, cfg, seed, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, out.String(), "gold/high")
	assert.Contains(t, out.String(), `engine.default_tier "platinum"`)
	assert.Contains(t, out.String(), `unknown calendar "emea"`)
}

func TestParseMethods(t *testing.T) {
	got, err := parseMethods([]string{"email", "in-app", "email"})
	require.NoError(t, err)
	assert.Equal(t, models.MethodList{models.MethodEmail, models.MethodInApp}, got)

	_, err = parseMethods([]string{"pager"})
	assert.Error(t, err)
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2025-01-06")
	require.NoError(t, err)
	assert.Equal(t, 6, d.Day())

	d, err = parseDate("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	_, err = parseDate("06/01/2025")
	assert.Error(t, err)
}

func TestIssueToken(t *testing.T) {
	_, err := issueToken(config.ServerConfig{}, "case-system", auth.RoleIngest)
	assert.Error(t, err)

	cfg := config.ServerConfig{JWTSecret: "s3cret", TokenTTL: time.Hour}
	_, err = issueToken(cfg, "case-system", auth.Role("root"))
	assert.Error(t, err)

	token, err := issueToken(cfg, "case-system", auth.RoleViewer)
	require.NoError(t, err)
	claims, err := auth.NewJWTManager("s3cret", time.Hour).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "case-system", claims.Subject)
	assert.Equal(t, auth.RoleViewer, claims.Role)
}
