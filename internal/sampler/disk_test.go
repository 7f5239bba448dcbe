package sampler

import (
	"context"
	"reflect"
	"testing"
)

// TestMonitoredMountsFilters checks mount discovery against the mounts
// fixture with the default and custom exclusion lists.
func TestMonitoredMountsFilters(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]string
		want    []string
	}{
		{
			name: "default filters drop pseudo filesystems",
			want: []string{"/", "/boot/efi", "/data", "/mnt/backup"},
		},
		{
			name: "mount point prefixes excluded",
			options: map[string]string{
				"disk_exclude_mount_points": "/mnt, /boot/efi",
			},
			want: []string{"/", "/data"},
		},
		{
			name: "filesystem exclusions replace the defaults",
			options: map[string]string{
				"disk_exclude_filesystems": "ext4,overlay,proc,sysfs,devtmpfs,tmpfs",
			},
			want: []string{"/boot/efi", "/mnt/backup"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := monitoredMounts(fixtureConfig(t, tt.options))
			if err != nil {
				t.Fatalf("monitoredMounts: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("monitoredMounts = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestExcludedMount verifies prefix matching does not cut across path
// components.
func TestExcludedMount(t *testing.T) {
	prefixes := []string{"/mnt", "/var/lib/docker/"}

	tests := []struct {
		mount string
		want  bool
	}{
		{"/mnt", true},
		{"/mnt/backup", true},
		{"/mnt2", false},
		{"/var/lib/docker/overlay2", true},
		{"/var/lib/dockerd", false},
		{"/", false},
	}
	for _, tt := range tests {
		if got := excludedMount(tt.mount, prefixes); got != tt.want {
			t.Errorf("excludedMount(%q) = %v, want %v", tt.mount, got, tt.want)
		}
	}
}

// TestDiskSamplerMonitoredPath samples a real directory and checks the
// result stays a valid percentage.
func TestDiskSamplerMonitoredPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Options = map[string]string{"disk_monitored_paths": t.TempDir()}

	got, err := (&DiskSampler{}).Sample(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if got < 0 || got > 100 {
		t.Errorf("Sample = %v, want within [0, 100]", got)
	}
}

// TestDiskSamplerAllPathsFailing verifies that unreachable mounts
// produce a transient error rather than a zero reading.
func TestDiskSamplerAllPathsFailing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Options = map[string]string{"disk_monitored_paths": "/does/not/exist,/also/missing"}

	_, err := (&DiskSampler{}).Sample(context.Background(), cfg)
	if err == nil {
		t.Fatal("Sample over missing paths succeeded")
	}
	if IsPermanent(err) {
		t.Errorf("unreachable mounts classified permanent: %v", err)
	}
}

// TestDiskSamplerSkipsBrokenPath verifies one bad path does not spoil
// an otherwise good sample.
func TestDiskSamplerSkipsBrokenPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Options = map[string]string{"disk_monitored_paths": "/does/not/exist," + t.TempDir()}

	got, err := (&DiskSampler{}).Sample(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if got < 0 || got > 100 {
		t.Errorf("Sample = %v, want within [0, 100]", got)
	}
}
