package orient

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const gpuQueryTimeout = 5 * time.Second

// Machine describes the host the runtime works on.
type Machine struct {
	Name     string
	Cores    int
	RAM      string
	GPU      string
	Uptime   string
	DiskFree string
}

// DetectMachine gathers host facts. Anything it cannot read is "unknown".
func DetectMachine(hostname string) Machine {
	name, _, _ := strings.Cut(hostname, ".")
	return Machine{
		Name:     name,
		Cores:    runtime.NumCPU(),
		RAM:      memTotal("/proc/meminfo"),
		GPU:      gpuName(),
		Uptime:   uptime("/proc/uptime"),
		DiskFree: diskFree("/"),
	}
}

func memTotal(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "unknown"
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				break
			}
			return fmt.Sprintf("%.0fGB RAM", kb/1024/1024)
		}
	}
	return "unknown"
}

func uptime(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "unknown"
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "unknown"
	}
	return formatUptime(time.Duration(secs * float64(time.Second)))
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours)
	}
	return fmt.Sprintf("%dh", hours)
}

func gpuName() string {
	ctx, cancel := context.WithTimeout(context.Background(), gpuQueryTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil {
		return ""
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(first)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.0f%c", float64(n)/float64(div), "KMGTPE"[exp])
}
