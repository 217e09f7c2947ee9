package bootimage

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// hostCPUFreqMHz reads the nominal CPU frequency from /proc/cpuinfo so the
// guest can calibrate its TSC-based timers without a calibration loop. Falls
// back to 0 (guest falls back to calibrating itself) if unavailable.
func hostCPUFreqMHz() uint32 {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu MHz") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		mhz, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			continue
		}

		return uint32(mhz)
	}

	return 0
}
