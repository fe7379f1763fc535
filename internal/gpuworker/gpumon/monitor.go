// Package gpumon reports GPU inventory and utilization for one node. The
// NVML-backed implementation lives outside the scheduling core; the fake
// serves dev, tests, and CPU-only machines.
package gpumon

// GPU describes one device at sample time.
type GPU struct {
	ID            int     `json:"id"`
	Name          string  `json:"name"`
	Utilization   float64 `json:"utilization"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryFreeGB  float64 `json:"memory_free_gb"`
	Temperature   float64 `json:"temperature"`
	PowerDraw     float64 `json:"power_draw"`
}

// Monitor samples the node's GPUs.
type Monitor interface {
	GPUs() []GPU
	GPUCount() int
	TotalVRAMGB() float64
	FreeVRAMGB() float64
}

// Fake is a static monitor.
type Fake struct {
	Devices []GPU
}

// NewFake returns a monitor with n identical devices of vramGB each.
func NewFake(n int, vramGB float64) *Fake {
	f := &Fake{}
	for i := 0; i < n; i++ {
		f.Devices = append(f.Devices, GPU{
			ID:            i,
			Name:          "Fake GPU",
			MemoryTotalGB: vramGB,
			MemoryFreeGB:  vramGB,
		})
	}
	return f
}

// GPUs implements Monitor.
func (f *Fake) GPUs() []GPU { return append([]GPU(nil), f.Devices...) }

// GPUCount implements Monitor.
func (f *Fake) GPUCount() int { return len(f.Devices) }

// TotalVRAMGB implements Monitor.
func (f *Fake) TotalVRAMGB() float64 {
	var total float64
	for _, g := range f.Devices {
		total += g.MemoryTotalGB
	}
	return total
}

// FreeVRAMGB implements Monitor.
func (f *Fake) FreeVRAMGB() float64 {
	var free float64
	for _, g := range f.Devices {
		free += g.MemoryFreeGB
	}
	return free
}
