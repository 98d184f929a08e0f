package runnerproc

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// KillPortHolders finds every process with an open listening socket on any
// of ports and signals it to exit, mirroring the original implementation's
// two-step "find pid(s) on port, signal them, wait" flow. It is coarse by
// design on non-Linux platforms, per the design's note that OS-specific
// process/port resolution may be coarse off the primary OS.
func KillPortHolders(ports []int) error {
	if len(ports) == 0 {
		return nil
	}
	wanted := make(map[int]bool, len(ports))
	for _, p := range ports {
		if p > 0 {
			wanted[p] = true
		}
	}
	if len(wanted) == 0 {
		return nil
	}

	conns, err := gopsnet.Connections("inet")
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}

	self := os.Getpid()
	pids := map[int32]bool{}
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Pid == 0 {
			continue
		}
		if !wanted[int(c.Laddr.Port)] {
			continue
		}
		if int(c.Pid) == self {
			continue
		}
		pids[c.Pid] = true
	}

	var firstErr error
	for pid := range pids {
		if err := terminatePID(pid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func terminatePID(pid int32) error {
	proc, err := process.NewProcess(pid)
	if err != nil {
		// Already gone.
		return nil
	}
	_ = proc.Terminate()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		running, err := proc.IsRunning()
		if err != nil || !running {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return proc.Kill()
}

// killOrphanBuildTools scans for processes matching buildToolNames (excluding
// the supervisor's own pid) and terminates them, per the build driver's
// pre-build orphan-cleanup step.
func killOrphanBuildTools(ctx context.Context, buildToolNames []string) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		for _, want := range buildToolNames {
			if name == want {
				_ = p.Terminate()
				break
			}
		}
	}
}

// killProcessGroup sends sig to the process group led by pid, matching the
// teacher's process-group kill convention (cmd.SysProcAttr.Setpgid=true at
// spawn time).
func killProcessGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
