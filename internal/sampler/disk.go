package sampler

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// defaultExcludedFilesystems are pseudo and ephemeral filesystem types
// skipped when discovering mount points from /proc/mounts.
const defaultExcludedFilesystems = "tmpfs,devtmpfs,squashfs,overlay,proc,sysfs,devpts,cgroup,cgroup2,autofs,debugfs,tracefs"

var errNoMounts = errors.New("no mount points to monitor")

// DiskSampler reports the highest used-space percent across the
// monitored mount points. Mount points come from disk_monitored_paths
// when set, otherwise from /proc/mounts with the configured filesystem
// and mount-point filters applied.
type DiskSampler struct{}

func (s *DiskSampler) Name() string { return "disk" }

func (s *DiskSampler) Sample(ctx context.Context, cfg Config) (float64, error) {
	paths := cfg.ListOption("disk_monitored_paths")
	if len(paths) == 0 {
		var err error
		paths, err = monitoredMounts(cfg)
		if err != nil {
			return 0, permanent("disk: read mounts", err)
		}
	}
	if len(paths) == 0 {
		return 0, permanent("disk: resolve mounts", errNoMounts)
	}

	var worst float64
	sampled := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return 0, transient("disk: statfs", err)
		}
		pct, err := usedPercent(path)
		if err != nil {
			// A single unreachable mount (stale NFS, unmounted
			// path) must not fail the whole sample.
			continue
		}
		sampled++
		if pct > worst {
			worst = pct
		}
	}
	if sampled == 0 {
		return 0, transient("disk: statfs", errors.New("all mount points failed"))
	}
	return worst, nil
}

// usedPercent computes used space the way df does: reserved blocks
// count as used, and the denominator is used plus available.
func usedPercent(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	used := st.Blocks - st.Bfree
	denom := used + st.Bavail
	if denom == 0 {
		return 0, nil
	}
	return clampPercent(float64(used) / float64(denom) * 100), nil
}

// monitoredMounts discovers real mount points from /proc/mounts,
// honoring the disk_exclude_filesystems and disk_exclude_mount_points
// options.
func monitoredMounts(cfg Config) ([]string, error) {
	f, err := os.Open(filepath.Join(cfg.ProcRoot, "mounts"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	excludeFS := make(map[string]bool)
	for _, fs := range strings.Split(cfg.Option("disk_exclude_filesystems", defaultExcludedFilesystems), ",") {
		if fs = strings.TrimSpace(fs); fs != "" {
			excludeFS[fs] = true
		}
	}
	excludePrefixes := cfg.ListOption("disk_exclude_mount_points")

	seen := make(map[string]bool)
	var mounts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// device mountpoint fstype options dump pass
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mount, fstype := fields[1], fields[2]
		if excludeFS[fstype] || seen[mount] {
			continue
		}
		if excludedMount(mount, excludePrefixes) {
			continue
		}
		seen[mount] = true
		mounts = append(mounts, mount)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.Strings(mounts)
	return mounts, nil
}

func excludedMount(mount string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if mount == prefix || strings.HasPrefix(mount, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}
