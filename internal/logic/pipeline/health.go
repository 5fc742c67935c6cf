package pipeline

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Sysfs paths for CPU health readings. Variables so tests can point them
// at fixtures.
var (
	cpuTempPath = "/sys/class/thermal/thermal_zone0/temp"
	cpuFreqPath = "/sys/devices/system/cpu/cpu0/cpufreq/scaling_cur_freq"
)

// emitHealth pushes a CPU temperature/frequency status line into the
// downlink after each transmitted image. A throttling CPU is the usual
// cause of resize failures, so the ground station wants to see it coming.
func (o *Orchestrator) emitHealth() {
	temp, terr := readCPUTemperature()
	freq, ferr := readCPUFrequency()
	if terr != nil && ferr != nil {
		return
	}
	o.sink.Emit(fmt.Sprintf("PiCam Debug: CPU State: Temperature: %.1f degC, Frequency: %d MHz", temp, freq))
}

// readCPUTemperature reads the SoC temperature in degrees C.
func readCPUTemperature() (float64, error) {
	data, err := os.ReadFile(cpuTempPath)
	if err != nil {
		return -999, err
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -999, err
	}
	return float64(milli) / 1000.0, nil
}

// readCPUFrequency reads the current CPU frequency in MHz.
func readCPUFrequency() (int, error) {
	data, err := os.ReadFile(cpuFreqPath)
	if err != nil {
		return -1, err
	}
	khz, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -1, err
	}
	return khz / 1000, nil
}
