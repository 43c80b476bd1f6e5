package outcome

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/starford/sift/internal/models"
)

// Sampler takes a memory sample of the running process.
type Sampler interface {
	Sample() *models.MemoryInfo
}

// ProcessSampler samples the current process through gopsutil.
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler returns a sampler for the current process. Sampling
// degrades to nil results when the process handle is unavailable.
func NewProcessSampler() *ProcessSampler {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &ProcessSampler{}
	}
	return &ProcessSampler{proc: p}
}

// Sample returns the current memory usage, or nil.
func (s *ProcessSampler) Sample() *models.MemoryInfo {
	if s == nil || s.proc == nil {
		return nil
	}
	mi, err := s.proc.MemoryInfo()
	if err != nil || mi == nil {
		return nil
	}
	return &models.MemoryInfo{RSS: mi.RSS, VMS: mi.VMS, Swap: mi.Swap}
}
