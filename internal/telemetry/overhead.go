package telemetry

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// clockTicksPerSecond converts /proc stat CPU fields to seconds.
// SC_CLK_TCK is 100 on virtually all Linux systems.
const clockTicksPerSecond = 100

// selfUsage is the agent's own resource consumption read from
// /proc/self.
type selfUsage struct {
	cpuUserSeconds   float64
	cpuSystemSeconds float64
	rssBytes         float64
	readBytes        float64
	writeBytes       float64
}

// readSelfUsage reads <procRoot>/self/stat and <procRoot>/self/io.
// Fields that cannot be read stay zero; /proc/self/io may be absent on
// restricted kernels.
func readSelfUsage(procRoot string) selfUsage {
	var u selfUsage
	if data, err := os.ReadFile(filepath.Join(procRoot, "self", "stat")); err == nil {
		utime, stime, rssPages := parseSelfStat(string(data))
		u.cpuUserSeconds = float64(utime) / clockTicksPerSecond
		u.cpuSystemSeconds = float64(stime) / clockTicksPerSecond
		u.rssBytes = float64(rssPages) * float64(os.Getpagesize())
	}
	if data, err := os.ReadFile(filepath.Join(procRoot, "self", "io")); err == nil {
		r, w := parseSelfIO(string(data))
		u.readBytes = float64(r)
		u.writeBytes = float64(w)
	}
	return u
}

// parseSelfStat extracts utime, stime, and rss from /proc/self/stat.
// The comm field can contain spaces and parentheses, so parsing starts
// after the last ")".
func parseSelfStat(content string) (utime, stime uint64, rssPages int64) {
	commEnd := strings.LastIndex(content, ")")
	if commEnd < 0 || commEnd+2 >= len(content) {
		return 0, 0, 0
	}
	fields := strings.Fields(content[commEnd+2:])
	// fields[0] = state; utime and stime sit at 11 and 12, rss at 21.
	if len(fields) > 12 {
		utime, _ = strconv.ParseUint(fields[11], 10, 64)
		stime, _ = strconv.ParseUint(fields[12], 10, 64)
	}
	if len(fields) > 21 {
		rssPages, _ = strconv.ParseInt(fields[21], 10, 64)
	}
	return utime, stime, rssPages
}

// parseSelfIO extracts read_bytes and write_bytes from /proc/self/io.
func parseSelfIO(content string) (readBytes, writeBytes int64) {
	for _, line := range strings.Split(content, "\n") {
		name, rest, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		val, _ := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		switch name {
		case "read_bytes":
			readBytes = val
		case "write_bytes":
			writeBytes = val
		}
	}
	return readBytes, writeBytes
}
