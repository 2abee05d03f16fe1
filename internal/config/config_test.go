package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("svc")))
	require.NoError(t, err)
	assert.Equal(t, "svc", cfg.Service.ID)
	assert.Equal(t, "ja", cfg.Service.DefaultLocale)
	assert.Len(t, cfg.Actions.Catalog, 12)
	assert.Equal(t, "professional_required", cfg.Actions.Catalog["contract.review"].Permission)
	assert.Equal(t, []string{"negotiating", "contracting"}, cfg.Escalation.ProfessionalStages)
	assert.Equal(t, 72*time.Hour, cfg.Escalation.PendingTTL())
	assert.Equal(t, time.Minute, cfg.Escalation.SweepEvery())
	assert.Equal(t, 2*time.Second, cfg.Notifications.PollEvery())
	assert.Equal(t, "値下げ", cfg.Mediation.Locales["ja"].CategoryC[0])
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		from, to string
		want     string
	}{
		"bad permission":     {"permission: autonomous", "permission: sometimes", "invalid permission"},
		"unknown stage":      {"professional_stages: [negotiating, contracting]", "professional_stages: [haggling]", "unknown stage"},
		"bad timeout":        {"pending_timeout: 72h", "pending_timeout: soon", "pending_timeout"},
		"missing locale":     {"default_locale: ja", "default_locale: fr", "default locale fr"},
		"out of range":       {"c: 0.85", "c: 1.5", "confidence.c"},
		"redis needs stream": {"url: \"\"\n    stream: journeygate:notifications", "url: redis://localhost:6379\n    stream: \"\"", "redis.stream"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			yml := GenerateDefault("svc")
			require.Contains(t, yml, tc.from)
			_, err := FromYAML([]byte(strings.Replace(yml, tc.from, tc.to, 1)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jg config init")

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("acme")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Service.ID)
}

func TestDurationsFallBack(t *testing.T) {
	var e Escalation
	assert.Zero(t, e.PendingTTL())
	assert.Equal(t, time.Minute, e.SweepEvery())
	e.SweepInterval = "-5s"
	assert.Equal(t, time.Minute, e.SweepEvery())
}
