package metrics

import (
	"os"
	"strconv"
	"strings"
)

// ReadTSCFrequencyKHz reads the kernel-reported timestamp-counter
// frequency, used only to annotate metrics output for comparison against
// traces taken with TSC-based tooling; nothing in this package relies on
// it for timing itself.
func ReadTSCFrequencyKHz() (uint64, error) {
	raw, err := os.ReadFile("/sys/devices/system/cpu/cpu0/tsc_freq_khz")
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
}
