package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

type procInfo struct {
	PID     int32
	PPID    int32
	Name    string
	Created time.Time
}

type processTable interface {
	List(ctx context.Context) ([]procInfo, error)
	Kill(ctx context.Context, pid int32) error
}

type gopsutilTable struct{}

func (gopsutilTable) List(ctx context.Context) ([]procInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]procInfo, 0, len(procs))
	for _, p := range procs {
		// Processes can exit between listing and inspection.
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		info := procInfo{PID: p.Pid, PPID: ppid, Name: name}
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			info.Created = time.UnixMilli(ms)
		}
		out = append(out, info)
	}
	return out, nil
}

func (gopsutilTable) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("open process %d: %w", pid, err)
	}
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	return nil
}

// descendants returns every process below root in the tree.
func descendants(procs []procInfo, roots ...int32) []procInfo {
	children := make(map[int32][]procInfo, len(procs))
	for _, p := range procs {
		if p.PID == p.PPID {
			continue
		}
		children[p.PPID] = append(children[p.PPID], p)
	}
	var out []procInfo
	seen := make(map[int32]struct{})
	queue := append([]int32(nil), roots...)
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			if _, ok := seen[child.PID]; ok {
				continue
			}
			seen[child.PID] = struct{}{}
			out = append(out, child)
			queue = append(queue, child.PID)
		}
	}
	return out
}

func nameMatches(name, pattern string) bool {
	return pattern == "" || strings.Contains(strings.ToLower(name), strings.ToLower(pattern))
}

// ProcessCounter counts descendant processes of this process whose name
// contains a pattern. It implements lifecycle.ProcessCounter.
type ProcessCounter struct {
	table   processTable
	root    int32
	pattern string
}

// NewProcessCounter counts descendants matching pattern; an empty pattern
// counts every descendant.
func NewProcessCounter(pattern string) *ProcessCounter {
	return &ProcessCounter{table: gopsutilTable{}, root: int32(os.Getpid()), pattern: pattern}
}

// Count walks the process table once.
func (c *ProcessCounter) Count(ctx context.Context) (int, error) {
	procs, err := c.table.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range descendants(procs, c.root) {
		if nameMatches(p.Name, c.pattern) {
			n++
		}
	}
	return n, nil
}
