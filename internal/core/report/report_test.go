package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/opsforge/secstack/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

func sessionWith(t *testing.T, outcomes map[string]domain.ServiceOutcome) *domain.Session {
	t.Helper()
	targets := []string{"indexer", "siem-manager", "dashboard"}
	s := domain.NewSession(domain.ModeFull, targets)
	for name, o := range outcomes {
		require.NoError(t, s.Record(name, o))
	}
	return s
}

func descriptors() []domain.ServiceDescriptor {
	return []domain.ServiceDescriptor{
		{Name: "indexer", Role: domain.RoleDataTier},
		{Name: "siem-manager", Role: domain.RoleSecurityTool},
		{Name: "dashboard", Role: domain.RoleFrontend},
	}
}

// =============================================================================
// Build Tests
// =============================================================================

func TestBuild_SuccessWhenAllSufficient(t *testing.T) {
	s := sessionWith(t, map[string]domain.ServiceOutcome{
		"indexer":      {State: domain.StateReady, Attempts: 2},
		"siem-manager": {State: domain.StateReadyDegraded, Detail: "authentication required"},
		"dashboard":    {State: domain.StateReady},
	})

	r := Build(s, descriptors(), Locations{}, time.Now())
	assert.Equal(t, StatusSuccess, r.Status)
	require.Len(t, r.Services, 3)
	// Deployment order preserved.
	assert.Equal(t, "indexer", r.Services[0].Name)
	assert.Equal(t, domain.RoleDataTier, r.Services[0].Role)
	assert.Equal(t, 2, r.Services[0].Attempts)
}

func TestBuild_PartialOnFailure(t *testing.T) {
	s := sessionWith(t, map[string]domain.ServiceOutcome{
		"indexer":      {State: domain.StateFailed, LastError: "readiness timeout"},
		"siem-manager": {State: domain.StateSkipped, LastError: "dependency indexer not ready"},
		"dashboard":    {State: domain.StateSkipped, LastError: "dependency indexer not ready"},
	})

	r := Build(s, descriptors(), Locations{}, time.Now())
	assert.Equal(t, StatusPartial, r.Status)
	assert.Equal(t, "readiness timeout", r.Services[0].LastError)
}

func TestBuild_PartialOnSkipOnly(t *testing.T) {
	s := sessionWith(t, map[string]domain.ServiceOutcome{
		"indexer":      {State: domain.StateReady},
		"siem-manager": {State: domain.StateReady},
		"dashboard":    {State: domain.StateSkipped},
	})

	r := Build(s, descriptors(), Locations{}, time.Now())
	assert.Equal(t, StatusPartial, r.Status)
}

// =============================================================================
// Rendering Tests
// =============================================================================

func TestRenderText_ContainsOutcomesAndLocations(t *testing.T) {
	s := sessionWith(t, map[string]domain.ServiceOutcome{
		"indexer":      {State: domain.StateReady, Detail: "cluster status green"},
		"siem-manager": {State: domain.StateFailed, LastError: "port 55000 conflict"},
		"dashboard":    {State: domain.StateSkipped, LastError: "dependency siem-manager not ready"},
	})

	r := Build(s, descriptors(), Locations{
		SecretStore: "/var/lib/secstack/secrets.env",
		ReportDir:   "/var/lib/secstack/reports",
	}, time.Now())

	text := r.RenderText()
	assert.Contains(t, text, "PARTIAL")
	assert.Contains(t, text, "indexer")
	assert.Contains(t, text, "cluster status green")
	assert.Contains(t, text, "port 55000 conflict")
	assert.Contains(t, text, "/var/lib/secstack/secrets.env")
	assert.Contains(t, text, s.ID)
}

func TestEncodeYAML_RoundTrip(t *testing.T) {
	s := sessionWith(t, map[string]domain.ServiceOutcome{
		"indexer":      {State: domain.StateReady},
		"siem-manager": {State: domain.StateReady},
		"dashboard":    {State: domain.StateReady},
	})
	r := Build(s, descriptors(), Locations{}, time.Now())

	raw, err := r.EncodeYAML()
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, yaml.Unmarshal(raw, &decoded))
	assert.Equal(t, r.SessionID, decoded.SessionID)
	assert.Equal(t, StatusSuccess, decoded.Status)
	assert.Len(t, decoded.Services, 3)
}

func TestSummary_Counts(t *testing.T) {
	s := sessionWith(t, map[string]domain.ServiceOutcome{
		"indexer":      {State: domain.StateReady},
		"siem-manager": {State: domain.StateReadyDegraded},
		"dashboard":    {State: domain.StateFailed},
	})
	r := Build(s, descriptors(), Locations{}, time.Now())

	assert.Equal(t, "partial: 1 ready, 1 degraded, 1 failed, 0 skipped", r.Summary())
}
