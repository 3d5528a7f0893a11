package governance

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuMetric = "/cpu/classes/total:cpu-seconds"

// Sampler reports resource consumption since its previous call.
type Sampler interface {
	Sample() Usage
}

// ProcessSampler samples the whole process: CPU time consumed since the
// previous sample and the live heap in MB.
type ProcessSampler struct {
	mu      sync.Mutex
	samples []metrics.Sample
	lastCPU float64
	primed  bool
}

func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{samples: []metrics.Sample{{Name: cpuMetric}}}
}

func (p *ProcessSampler) Sample() Usage {
	p.mu.Lock()
	defer p.mu.Unlock()

	metrics.Read(p.samples)
	var delta time.Duration
	if v := p.samples[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if p.primed && cpu > p.lastCPU {
			delta = time.Duration((cpu - p.lastCPU) * float64(time.Second))
		}
		p.lastCPU = cpu
		p.primed = true
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Usage{
		CPUTime:  delta,
		MemoryMB: float64(mem.Alloc) / (1 << 20),
	}
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() Usage

func (f SamplerFunc) Sample() Usage { return f() }
