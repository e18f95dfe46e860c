package topo

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"munet/api"
)

// RunState is the durable record of a run's kernel footprint, written
// as <run-id>.state into the runtime directory so a later cleanup-only
// invocation can reclaim everything.
type RunState struct {
	RunID      string   `json:"run-id"`
	Rundir     string   `json:"rundir"`
	Config     string   `json:"config"`
	Bridges    []string `json:"bridges,omitempty"`
	HostVeths  []string `json:"host-veths,omitempty"`
	Pids       []int    `json:"pids,omitempty"`
	Containers []string `json:"containers,omitempty"`
}

// Save writes the state file.
func (s *RunState) Save(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(stateDir, s.RunID+".state"), s)
}

// LoadState reads a previously saved run's state.
func LoadState(stateDir, runID string) (*RunState, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, runID+".state"))
	if err != nil {
		return nil, api.WrapErr(api.ErrConfigNotFound, err, "run %q", runID)
	}
	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, api.WrapErr(api.ErrInternal, err, "run %q state", runID)
	}
	return &st, nil
}

// CleanupRun reclaims the kernel footprint of a previously recorded
// run: placeholder processes, containers, host veths and bridges. Every
// failure is logged and skipped; cleanup never aborts.
func CleanupRun(ctx context.Context, stateDir, runID string, log *zap.SugaredLogger) error {
	st, err := LoadState(stateDir, runID)
	if err != nil {
		return err
	}
	for _, pid := range st.Pids {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			log.Warnf("killing pid %d: %v", pid, err)
		}
	}
	if len(st.Containers) > 0 {
		if cl, err := client.NewClientWithOpts(client.FromEnv,
			client.WithAPIVersionNegotiation()); err == nil {
			for _, id := range st.Containers {
				if err := cl.ContainerRemove(ctx, id,
					container.RemoveOptions{Force: true}); err != nil {
					log.Warnf("removing container %s: %v", id, err)
				}
			}
		} else {
			log.Warnf("container engine unavailable, %d containers left", len(st.Containers))
		}
	}
	for _, name := range st.HostVeths {
		if lk, err := netlink.LinkByName(name); err == nil {
			if err := netlink.LinkDel(lk); err != nil {
				log.Warnf("deleting veth %s: %v", name, err)
			}
		}
	}
	for _, name := range st.Bridges {
		if lk, err := netlink.LinkByName(name); err == nil {
			if err := netlink.LinkDel(lk); err != nil {
				log.Warnf("deleting bridge %s: %v", name, err)
			}
		}
	}
	if err := os.Remove(filepath.Join(stateDir, runID+".state")); err != nil {
		log.Warnf("removing state file: %v", err)
	}
	log.Infof("run %s reclaimed", runID)
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
