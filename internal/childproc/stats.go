package childproc

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

// Stats is a resource sample of the running child.
type Stats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	VMSBytes   uint64  `json:"vms_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

// Stats samples memory, CPU and thread usage. Fields that cannot be read on
// the current platform are left zero and the first error is returned.
func (p *Process) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	proc, err := process.NewProcessWithContext(ctx, int32(p.PID()))
	if err != nil {
		return st, err
	}
	var firstErr error
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		st.RSSBytes = mem.RSS
		st.VMSBytes = mem.VMS
	} else {
		firstErr = err
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	} else if firstErr == nil {
		firstErr = err
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		st.Threads = n
	} else if firstErr == nil {
		firstErr = err
	}
	return st, firstErr
}
