package governor

import "runtime"

// SystemSampler is the boundary to the host's resource monitor. Samples are
// best-effort and may fail; admission treats a sampling error as "allow"
// (fail open) so that a broken monitor can never wedge the application.
type SystemSampler interface {
	// CPUPercent returns an estimate of current CPU pressure in [0, 100].
	CPUPercent() (float64, error)
	// MemoryPercent returns an estimate of current memory pressure in [0, 100].
	MemoryPercent() (float64, error)
}

// runtimeSampler derives pressure estimates from the Go runtime. CPU pressure
// is approximated by goroutine load per logical CPU; memory pressure by the
// live heap against the memory obtained from the OS. Coarse, but dependency
// free and side-effect free, which is all the admission gate needs.
type runtimeSampler struct {
	// goroutinesPerCPU is the goroutine count per logical CPU treated as 100%.
	goroutinesPerCPU float64
}

// NewRuntimeSampler returns the default, runtime-backed sampler.
func NewRuntimeSampler() SystemSampler {
	return &runtimeSampler{goroutinesPerCPU: 64}
}

func (s *runtimeSampler) CPUPercent() (float64, error) {
	cpus := runtime.NumCPU()
	if cpus < 1 {
		cpus = 1
	}
	load := float64(runtime.NumGoroutine()) / (float64(cpus) * s.goroutinesPerCPU) * 100
	if load > 100 {
		load = 100
	}
	return load, nil
}

func (s *runtimeSampler) MemoryPercent() (float64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys == 0 {
		return 0, nil
	}
	pct := float64(ms.HeapAlloc) / float64(ms.Sys) * 100
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

// processMemoryMB reports the process's current heap footprint in MiB, used
// only for the per-thread memory warning.
func processMemoryMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20)
}

// staticSampler returns fixed values; test and demo helper.
type staticSampler struct {
	cpu, mem float64
}

// NewStaticSampler returns a sampler that always reports the given values.
func NewStaticSampler(cpu, mem float64) SystemSampler {
	return &staticSampler{cpu: cpu, mem: mem}
}

func (s *staticSampler) CPUPercent() (float64, error)    { return s.cpu, nil }
func (s *staticSampler) MemoryPercent() (float64, error) { return s.mem, nil }
