package admission

import (
	"os"
	"strconv"
	"strings"
)

// memoryLimit returns the container memory ceiling in bytes, cgroup
// v2 first then v1, matching the two formats actually seen in
// production container runtimes. A limit of 0 means "undetected" —
// the caller falls back to a conservative default.
func memoryLimit() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		s := strings.TrimSpace(string(data))
		if s != "max" {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				return v
			}
		}
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return v
		}
	}

	return 0
}
