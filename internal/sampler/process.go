package sampler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
)

// ProcessSampler counts processes by scanning the numeric entries of
// /proc. Without a monitored list the value is the total process
// count. With process_monitored_processes set, the value is the number
// of monitored names not currently running, so a zero reading means
// every monitored service is up and the usual >= thresholds catch
// outages.
type ProcessSampler struct{}

func (s *ProcessSampler) Name() string { return "process" }

func (s *ProcessSampler) Sample(ctx context.Context, cfg Config) (float64, error) {
	entries, err := os.ReadDir(cfg.ProcRoot)
	if err != nil {
		return 0, permanent("process: read proc", err)
	}

	monitored := cfg.ListOption("process_monitored_processes")
	if len(monitored) == 0 {
		count := 0
		for _, e := range entries {
			if e.IsDir() && isPID(e.Name()) {
				count++
			}
		}
		return float64(count), nil
	}

	found := make(map[string]bool, len(monitored))
	for _, e := range entries {
		if !e.IsDir() || !isPID(e.Name()) {
			continue
		}
		comm := readComm(cfg.ProcRoot, e.Name())
		cmd := readCmdline(cfg.ProcRoot, e.Name())
		for _, name := range monitored {
			if found[name] {
				continue
			}
			if matchProcess(name, comm, cmd) {
				found[name] = true
			}
		}
	}

	missing := 0
	for _, name := range monitored {
		if !found[name] {
			missing++
		}
	}
	return float64(missing), nil
}

func isPID(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// readComm returns the process name from /proc/[pid]/comm, truncated
// by the kernel to 15 characters.
func readComm(procRoot, pid string) string {
	data, err := os.ReadFile(filepath.Join(procRoot, pid, "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// readCmdline returns the basename of the first NUL-separated argument
// of /proc/[pid]/cmdline, which carries names longer than comm's limit.
func readCmdline(procRoot, pid string) string {
	data, err := os.ReadFile(filepath.Join(procRoot, pid, "cmdline"))
	if err != nil || len(data) == 0 {
		return ""
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return filepath.Base(strings.TrimSpace(string(data)))
}

// matchProcess matches a monitored name as a substring of either the
// comm name or the cmdline basename.
func matchProcess(name, comm, cmd string) bool {
	if name == "" {
		return false
	}
	return (comm != "" && strings.Contains(comm, name)) ||
		(cmd != "" && strings.Contains(cmd, name))
}
