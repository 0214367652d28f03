package chrome

import (
	"github.com/shirou/gopsutil/v3/process"
)

// MemoryUsage is the resident memory of the browser process and all of its
// children (renderers, GPU, network service), in bytes.
func (b *Browser) MemoryUsage() (uint64, error) {
	pid := b.PID()
	if pid <= 0 {
		return 0, ErrNoProcess
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	return treeRSS(p), nil
}

func treeRSS(p *process.Process) uint64 {
	var total uint64
	if info, err := p.MemoryInfo(); err == nil {
		total += info.RSS
	}
	children, err := p.Children()
	if err != nil {
		return total
	}
	for _, child := range children {
		total += treeRSS(child)
	}
	return total
}
