package session

import (
	"context"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/config"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/media"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/supervisor"
)

// supervisedProcesses adapts the supervisor to the service layer's
// ProcessManager, binding each start request to the distribution launch
// spec and retry policy.
type supervisedProcesses struct {
	cfg *config.Config
	sup *supervisor.Supervisor
}

func newSupervisedProcesses(cfg *config.Config, sup *supervisor.Supervisor) *supervisedProcesses {
	return &supervisedProcesses{cfg: cfg, sup: sup}
}

func (p *supervisedProcesses) StartDistribution(ctx context.Context, name string, port int) error {
	return p.sup.Spawn(ctx, name, supervisor.RoleDistribution,
		media.DistributionSpec(p.cfg, port),
		media.Policy(p.cfg.Retry.Distribution))
}

func (p *supervisedProcesses) StopProcess(name string) error {
	return p.sup.Stop(name, p.cfg.Playback.StopGrace)
}
