package sampler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var errNoDelta = errors.New("no tick delta between readings")

// CPUSampler reports aggregate CPU busy percent from two /proc/stat
// readings taken SampleGap apart. Busy time is everything except idle
// and iowait.
type CPUSampler struct{}

func (s *CPUSampler) Name() string { return "cpu" }

func (s *CPUSampler) Sample(ctx context.Context, cfg Config) (float64, error) {
	before, err := readCPUTimes(cfg.ProcRoot)
	if err != nil {
		return 0, permanent("cpu: read stat", err)
	}

	gap := cfg.SampleGap
	if gap <= 0 {
		gap = 250 * time.Millisecond
	}
	timer := time.NewTimer(gap)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return 0, transient("cpu: sample window", ctx.Err())
	}

	after, err := readCPUTimes(cfg.ProcRoot)
	if err != nil {
		return 0, permanent("cpu: read stat", err)
	}

	busy, err := busyPercent(before, after)
	if err != nil {
		return 0, transient("cpu: compute delta", err)
	}
	return busy, nil
}

// busyPercent computes the busy share of the jiffies elapsed between
// two readings.
func busyPercent(before, after cpuTimes) (float64, error) {
	totalDelta := after.total() - before.total()
	if totalDelta <= 0 {
		return 0, errNoDelta
	}
	idleDelta := (after.idle + after.iowait) - (before.idle + before.iowait)
	return clampPercent(100 * (1 - float64(idleDelta)/float64(totalDelta))), nil
}

// cpuTimes holds the jiffy counters from the aggregate cpu line of
// /proc/stat.
type cpuTimes struct {
	user    uint64
	nice    uint64
	system  uint64
	idle    uint64
	iowait  uint64
	irq     uint64
	softirq uint64
	steal   uint64
}

func (t cpuTimes) total() int64 {
	return int64(t.user + t.nice + t.system + t.idle + t.iowait + t.irq + t.softirq + t.steal)
}

func readCPUTimes(procRoot string) (cpuTimes, error) {
	f, err := os.Open(filepath.Join(procRoot, "stat"))
	if err != nil {
		return cpuTimes{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "cpu ") {
			return parseCPULine(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return cpuTimes{}, err
	}
	return cpuTimes{}, errors.New("no aggregate cpu line in stat")
}

func parseCPULine(line string) (cpuTimes, error) {
	fields := strings.Fields(line)
	// cpu user nice system idle iowait irq softirq steal ...
	if len(fields) < 5 {
		return cpuTimes{}, fmt.Errorf("malformed cpu line %q", line)
	}
	vals := make([]uint64, 8)
	for i := 0; i < 8 && i+1 < len(fields); i++ {
		v, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return cpuTimes{}, fmt.Errorf("malformed cpu field %q: %w", fields[i+1], err)
		}
		vals[i] = v
	}
	return cpuTimes{
		user:    vals[0],
		nice:    vals[1],
		system:  vals[2],
		idle:    vals[3],
		iowait:  vals[4],
		irq:     vals[5],
		softirq: vals[6],
		steal:   vals[7],
	}, nil
}
