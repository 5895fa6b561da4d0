package metrics

import (
	"bufio"
	"bytes"
	"context"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"

	"github.com/MimeLyc/sizetrimmer/pkg/log"
)

const gpuQueryTimeout = 3 * time.Second

// Usage holds host utilisation in percent.
type Usage struct {
	CPU    float64 `json:"cpu_usage"`
	Memory float64 `json:"memory_usage"`
	GPU    float64 `json:"gpu_usage"`
	Disk   float64 `json:"disk_usage"`
}

type Provider interface {
	Sample(ctx context.Context, diskPath string) Usage
}

// SystemProvider reads CPU, memory and disk through gopsutil and GPU load
// through nvidia-smi. Anything that cannot be read reports 0.
type SystemProvider struct {
	nvidiaSMI string
	warned    atomic.Bool
}

func NewSystemProvider(nvidiaSMI string) *SystemProvider {
	if nvidiaSMI == "" {
		nvidiaSMI = "nvidia-smi"
	}
	return &SystemProvider{nvidiaSMI: nvidiaSMI}
}

func (p *SystemProvider) Sample(ctx context.Context, diskPath string) Usage {
	var usage Usage

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		usage.CPU = round1(pct[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		usage.Memory = round1(vm.UsedPercent)
	}
	if diskPath == "" {
		diskPath = "/"
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		usage.Disk = round1(du.UsedPercent)
	}
	usage.GPU = p.gpu(ctx)
	return usage
}

func (p *SystemProvider) gpu(ctx context.Context) float64 {
	cmdPath, err := exec.LookPath(p.nvidiaSMI)
	if err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, gpuQueryTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, cmdPath,
		"--query-gpu=utilization.gpu",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		if !p.warned.Swap(true) {
			log.Warn("Failed to query GPU utilisation: %v", err)
		}
		return 0
	}
	return parseGPUUtilization(out)
}

// parseGPUUtilization returns the busiest GPU from nvidia-smi's csv output.
func parseGPUUtilization(out []byte) float64 {
	var busiest float64
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		field := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(scanner.Text()), "%"))
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			continue
		}
		busiest = math.Max(busiest, v)
	}
	return round1(busiest)
}

func round1(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*10) / 10
}

// Sampler refreshes a Provider in the background so readers never wait on a
// measurement.
type Sampler struct {
	provider Provider
	interval time.Duration
	diskPath func() string
	latest   atomic.Pointer[Usage]
}

func NewSampler(provider Provider, interval time.Duration, diskPath func() string) *Sampler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Sampler{provider: provider, interval: interval, diskPath: diskPath}
}

func (s *Sampler) Run(ctx context.Context) {
	s.sample(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	path := ""
	if s.diskPath != nil {
		path = s.diskPath()
	}
	usage := s.provider.Sample(ctx, path)
	s.latest.Store(&usage)
}

// Latest returns the most recent sample, zero before the first one.
func (s *Sampler) Latest() Usage {
	if u := s.latest.Load(); u != nil {
		return *u
	}
	return Usage{}
}
