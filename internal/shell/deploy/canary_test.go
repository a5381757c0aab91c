package deploy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/dockpilot/internal/core/domain"
	"github.com/artpar/dockpilot/internal/shell/docker"
)

// =============================================================================
// Canary Deployment Tests
// =============================================================================

func TestCanary_PromotesHealthyCanary(t *testing.T) {
	h := newHarness()
	h.gw.seed("web", "web:1", map[string]string{"80": "8080"}, true)

	res, err := h.orch.Deploy(context.Background(), testFile("web", "web:2"), domain.StrategyCanary)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeSucceeded, res.Attempt.Outcome)
	assert.Equal(t, "web", res.Slot.Name)
	assert.Equal(t, []string{"web"}, h.gw.names(), "canary is removed after promotion")
	c := h.gw.get("web")
	assert.Equal(t, "web:2", c.spec.Image)
	assert.Equal(t, docker.ContainerStatusRunning, c.status)

	require.NotEmpty(t, h.gw.created)
	canary := h.gw.created[0]
	assert.Equal(t, "web_canary", canary.Name)
	assert.Equal(t, "true", canary.Env["CANARY"])
	assert.Equal(t, "prod", canary.Env["MODE"])
	require.Len(t, canary.Ports, 1)
	assert.Equal(t, 8180, canary.Ports[0].HostPort)

	ports := h.prober.probedPorts()
	assert.Greater(t, len(ports), 1)
	assert.Equal(t, 8180, ports[0])
	assert.Equal(t, 8080, ports[len(ports)-1])
}

func TestCanary_DiscardsFailingCanaryEarly(t *testing.T) {
	h := newHarness(func(c *Config) {
		c.SoakDuration = time.Hour
	})
	h.gw.seed("web", "web:1", map[string]string{"80": "8080"}, true)
	h.prober.healthy = unhealthyImage("web:2")

	start := time.Now()
	res, err := h.orch.Deploy(context.Background(), testFile("web", "web:2"), domain.StrategyCanary)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second, "abort does not wait for the full soak")

	assert.ErrorIs(t, err, domain.ErrHealthCheckExhausted)
	assert.Equal(t, domain.OutcomeRolledBack, res.Attempt.Outcome)
	assert.Equal(t, domain.PhaseSoak, res.Attempt.FailedPhase)
	assert.Contains(t, res.Attempt.ErrorMessage, "10/10")
	assert.Equal(t, 10, h.prober.callCount())

	assert.Equal(t, []string{"web"}, h.gw.names())
	assert.Equal(t, "web:1", h.gw.get("web").spec.Image)
	assert.Empty(t, h.gw.opsFor("web"), "main container is never touched")
}

func TestCanary_CancelDuringSoakRemovesCanary(t *testing.T) {
	h := newHarness(func(c *Config) {
		c.SoakDuration = time.Hour
	})
	h.gw.seed("web", "web:1", map[string]string{"80": "8080"}, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	soaked := 0
	h.prober.healthy = func(_ *fakeContainer, port int, _ string) bool {
		if port == 8180 {
			if soaked++; soaked == 3 {
				cancel()
			}
		}
		return true
	}

	res, err := h.orch.Deploy(ctx, testFile("web", "web:2"), domain.StrategyCanary)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCanceled)
	assert.Equal(t, domain.OutcomeRolledBack, res.Attempt.Outcome)
	assert.Equal(t, domain.PhaseSoak, res.Attempt.FailedPhase)

	assert.Equal(t, []string{"web"}, h.gw.names())
	assert.Equal(t, "web:1", h.gw.get("web").spec.Image)
	assert.Contains(t, h.gw.opsFor("web_canary"), "remove web_canary")
	assert.Empty(t, h.gw.opsFor("web"), "main container is never touched")
	require.Len(t, h.ledger.recorded(), 1)
}

func TestCanary_ModerateErrorRateIsDiscarded(t *testing.T) {
	h := newHarness(func(c *Config) {
		c.SoakDuration = 200 * time.Millisecond
	})
	h.gw.seed("web", "web:1", map[string]string{"80": "8080"}, true)

	// every tenth probe fails: never above the abort ratio, never below the promote ratio
	h.prober.healthy = func(*fakeContainer, int, string) bool {
		return h.prober.callCount()%10 != 0
	}

	res, err := h.orch.Deploy(context.Background(), testFile("web", "web:2"), domain.StrategyCanary)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHealthCheckExhausted)
	assert.Equal(t, domain.OutcomeRolledBack, res.Attempt.Outcome)
	assert.GreaterOrEqual(t, h.prober.callCount(), 10)

	assert.Equal(t, []string{"web"}, h.gw.names())
	assert.Equal(t, "web:1", h.gw.get("web").spec.Image)
}

func TestCanary_FirstDeploymentCreatesMain(t *testing.T) {
	h := newHarness()

	res, err := h.orch.Deploy(context.Background(), testFile("web", "web:2"), domain.StrategyCanary)
	require.NoError(t, err)
	assert.Equal(t, "web", res.Slot.Name)
	assert.Equal(t, []string{"web"}, h.gw.names())
}

func TestCanary_RequiresPorts(t *testing.T) {
	h := newHarness()
	file := testFile("web", "web:2")
	file.Deployment.PortMapping = nil

	res, err := h.orch.Deploy(context.Background(), file, domain.StrategyCanary)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Equal(t, domain.OutcomeFailed, res.Attempt.Outcome)
	assert.Equal(t, domain.PhasePending, res.Attempt.FailedPhase)
	assert.Empty(t, h.gw.ops)
}

func TestCanary_ReplacesLeftoverCanary(t *testing.T) {
	h := newHarness()
	h.gw.seed("web_canary", "web:0", map[string]string{"80": "8180"}, true)

	_, err := h.orch.Deploy(context.Background(), testFile("web", "web:2"), domain.StrategyCanary)
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, h.gw.names())
	assert.Contains(t, h.gw.opsFor("web_canary"), "remove web_canary")
}
