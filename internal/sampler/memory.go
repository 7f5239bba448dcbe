package sampler

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MemorySampler reports used memory percent from /proc/meminfo.
//
// The default definition is (MemTotal - MemAvailable) / MemTotal.
// With memory_include_buffers_cache=true, buffers and page cache count
// as used. With memory_include_swap=true, swap usage folds into both
// numerator and denominator.
type MemorySampler struct{}

func (s *MemorySampler) Name() string { return "memory" }

func (s *MemorySampler) Sample(ctx context.Context, cfg Config) (float64, error) {
	mi, err := readMeminfo(cfg.ProcRoot)
	if err != nil {
		return 0, permanent("memory: read meminfo", err)
	}
	if mi.total == 0 {
		return 0, permanent("memory: parse meminfo", errors.New("MemTotal missing or zero"))
	}

	var used int64
	switch {
	case cfg.BoolOption("memory_include_buffers_cache", false):
		used = mi.total - mi.free
	case mi.available > 0:
		used = mi.total - mi.available
	default:
		// Pre-3.14 kernels have no MemAvailable.
		used = mi.total - mi.free - mi.buffers - mi.cached
	}

	total := mi.total
	if cfg.BoolOption("memory_include_swap", false) && mi.swapTotal > 0 {
		used += mi.swapTotal - mi.swapFree
		total += mi.swapTotal
	}

	return clampPercent(float64(used) / float64(total) * 100), nil
}

// meminfo holds the fields of /proc/meminfo the sampler uses, in kB.
type meminfo struct {
	total     int64
	free      int64
	available int64
	buffers   int64
	cached    int64
	swapTotal int64
	swapFree  int64
}

func readMeminfo(procRoot string) (meminfo, error) {
	f, err := os.Open(filepath.Join(procRoot, "meminfo"))
	if err != nil {
		return meminfo{}, err
	}
	defer f.Close()

	var mi meminfo
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSuffix(strings.TrimSpace(value), " kB")
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		switch name {
		case "MemTotal":
			mi.total = n
		case "MemFree":
			mi.free = n
		case "MemAvailable":
			mi.available = n
		case "Buffers":
			mi.buffers = n
		case "Cached":
			mi.cached = n
		case "SwapTotal":
			mi.swapTotal = n
		case "SwapFree":
			mi.swapFree = n
		}
	}
	if err := scanner.Err(); err != nil {
		return meminfo{}, err
	}
	return mi, nil
}
