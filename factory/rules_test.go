package factory_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortate/trust-engine/domain"
	"github.com/cortate/trust-engine/factory"
	"github.com/cortate/trust-engine/penalty"
)

func TestParseRules_EmptyDocumentKeepsDefaults(t *testing.T) {
	f := factory.NewRulesFactory()

	rules, err := f.ParseRules(`{}`)

	require.NoError(t, err)
	assert.Equal(t, penalty.DefaultRules(), rules)
}

func TestParseRules_OverridesOnlyWhatIsGiven(t *testing.T) {
	f := factory.NewRulesFactory()

	// GIVEN: a document changing the late window and one catalog entry
	doc := `{
		"late_cancellation": {"window_minutes": 90},
		"violations": {"catalog": {"spam_solicitation": {"severity": "moderate", "days": 5, "impact": 0.25}}},
		"cumulative": {"medium_min_days": 2}
	}`

	// WHEN
	rules, err := f.ParseRules(doc)

	// THEN
	require.NoError(t, err)
	def := penalty.DefaultRules()
	assert.Equal(t, 90*time.Minute, rules.LateCancellation.Window)
	assert.Equal(t, def.LateCancellation.Bands, rules.LateCancellation.Bands)
	assert.Equal(t, def.NoShow, rules.NoShow)

	spam := rules.Violations.Catalog["spam_solicitation"]
	assert.Equal(t, domain.SeverityModerate, spam.Severity)
	assert.Equal(t, 5, spam.Days)
	assert.True(t, decimal.RequireFromString("0.25").Equal(spam.Impact))
	assert.Equal(t, def.Violations.Catalog["fake_profile"], rules.Violations.Catalog["fake_profile"])

	assert.Equal(t, 2, rules.Cumulative.MediumMinDays)
	assert.Equal(t, def.Cumulative.HighScore, rules.Cumulative.HighScore)
}

func TestParseRules_ReplacesTierLists(t *testing.T) {
	f := factory.NewRulesFactory()

	rules, err := f.ParseRules(`{"no_show": [
		{"min_priors": 0, "severity": "moderate", "percent": "0.4", "days": 1, "impact": "0.2"}
	]}`)

	require.NoError(t, err)
	require.Len(t, rules.NoShow, 1)
	assert.Equal(t, domain.SeverityModerate, rules.NoShow[0].Severity)
	assert.True(t, decimal.RequireFromString("0.4").Equal(rules.NoShow[0].Percent))
}

func TestParseRules_Invalid(t *testing.T) {
	f := factory.NewRulesFactory()

	tests := []struct {
		name string
		doc  string
	}{
		{"malformed", `{"no_show": [`},
		{"unknown severity", `{"no_show": [{"min_priors": 0, "severity": "catastrophic"}]}`},
		{"unordered tiers", `{"no_show": [
			{"min_priors": 1, "severity": "minor"},
			{"min_priors": 1, "severity": "severe"}]}`},
		{"unordered bands", `{"late_cancellation": {"bands": [
			{"max_lead_minutes": 60, "severity": "minor"},
			{"max_lead_minutes": 30, "severity": "minor"}]}}`},
		{"unknown fallback", `{"violations": {"fallback": "jaywalking"}}`},
		{"bad rejection scope", `{"rejection": [{"scope": "month", "min_count": 1, "severity": "minor"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseRules(tt.doc)
			assert.Error(t, err)
		})
	}
}

func TestParseRules_ValidationErrorsAreClientErrors(t *testing.T) {
	f := factory.NewRulesFactory()

	_, err := f.ParseRules(`{"violations": {"fallback": "jaywalking"}}`)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestToJSON_RoundTripsDefaults(t *testing.T) {
	f := factory.NewRulesFactory()

	raw, err := json.Marshal(f.ToJSON(penalty.DefaultRules()))
	require.NoError(t, err)

	rules, err := f.ParseRules(string(raw))
	require.NoError(t, err)

	def := penalty.DefaultRules()
	assert.Equal(t, def.RepeatWindow, rules.RepeatWindow)
	assert.Equal(t, len(def.NoShow), len(rules.NoShow))
	for i := range def.NoShow {
		assert.True(t, def.NoShow[i].Percent.Equal(rules.NoShow[i].Percent))
		assert.Equal(t, def.NoShow[i].Days, rules.NoShow[i].Days)
	}
	assert.Equal(t, def.LateCancellation.Window, rules.LateCancellation.Window)
	assert.Equal(t, def.ViolationKinds(), rules.ViolationKinds())
	assert.Equal(t, def.Cumulative.EscalatedMinDays, rules.Cumulative.EscalatedMinDays)
}

func TestLoadFile(t *testing.T) {
	f := factory.NewRulesFactory()

	// GIVEN: no path
	rules, err := f.LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, penalty.DefaultRules().RepeatWindow, rules.RepeatWindow)

	// GIVEN: a file on disk
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"repeat_window_days": 14}`), 0o600))

	rules, err = f.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 14*domain.Day, rules.RepeatWindow)

	_, err = f.LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
