package mirror

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// agentProcessNames are the executable names the Box Drive agent runs under.
var agentProcessNames = []string{"Box", "boxdrive", "box-drive"}

// agentProcessRunning reports whether the sync agent process is alive.
// Linux scans /proc directly; other platforms shell out to pgrep.
func agentProcessRunning() bool {
	if runtime.GOOS == "linux" {
		return procScan()
	}

	for _, name := range agentProcessNames {
		if exec.Command("pgrep", "-x", name).Run() == nil {
			return true
		}
	}

	return false
}

// procScan walks /proc looking for a comm entry matching an agent name.
func procScan() bool {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false
	}

	for _, entry := range entries {
		if !entry.IsDir() || !isNumeric(entry.Name()) {
			continue
		}

		comm, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "comm"))
		if err != nil {
			continue
		}

		name := strings.TrimSpace(string(comm))
		for _, agent := range agentProcessNames {
			if name == agent {
				return true
			}
		}
	}

	return false
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return s != ""
}
