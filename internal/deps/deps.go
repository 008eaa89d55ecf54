package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"mediaflow/internal/config"
	"mediaflow/internal/stage"
)

// Requirement names the executable a stage launches.
type Requirement struct {
	Stage   stage.Identity
	Command string
}

// Status reports whether a stage executable resolves on this host.
type Status struct {
	Stage     stage.Identity
	Command   string
	Resolved  string
	Available bool
	Detail    string
}

// StageRequirements lists the configured binary of every stage in pipeline
// order.
func StageRequirements(cfg *config.Config) []Requirement {
	ids := stage.All()
	reqs := make([]Requirement, 0, len(ids))
	for _, id := range ids {
		settings, _ := cfg.Stage(string(id))
		reqs = append(reqs, Requirement{Stage: id, Command: settings.Binary})
	}
	return reqs
}

// CheckBinaries resolves each requirement against PATH.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{Stage: req.Stage, Command: cmd}
		switch resolved, err := exec.LookPath(cmd); {
		case cmd == "":
			status.Detail = "command not configured"
		case err != nil:
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
		default:
			status.Available = true
			status.Resolved = resolved
		}
		results = append(results, status)
	}
	return results
}

// Missing returns the statuses that did not resolve.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if !s.Available {
			out = append(out, s)
		}
	}
	return out
}
