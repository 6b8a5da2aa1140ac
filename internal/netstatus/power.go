package netstatus

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PowerSensor reports whether the device may spend battery on
// networking.
type PowerSensor interface {
	SafeForNetworking() bool
}

// PowerFunc adapts a function to PowerSensor.
type PowerFunc func() bool

// SafeForNetworking calls f.
func (f PowerFunc) SafeForNetworking() bool { return f() }

// AlwaysSafe is a PowerSensor for mains-powered hosts.
var AlwaysSafe PowerSensor = PowerFunc(func() bool { return true })

// LowBatteryThreshold is the capacity, in percent, below which a
// discharging battery is unsafe for networking.
const LowBatteryThreshold = 20

// SysfsBattery reads battery state from a Linux power_supply directory
// such as /sys/class/power_supply/BAT0. Hosts without a battery, or
// with unreadable state, are reported as safe.
type SysfsBattery struct {
	Dir string
}

// DefaultSysfsBattery returns the first battery under
// /sys/class/power_supply, or a sensor for a missing directory.
func DefaultSysfsBattery() SysfsBattery {
	matches, _ := filepath.Glob("/sys/class/power_supply/BAT*")
	if len(matches) == 0 {
		return SysfsBattery{}
	}
	return SysfsBattery{Dir: matches[0]}
}

// SafeForNetworking reports false only for a discharging battery below
// LowBatteryThreshold.
func (b SysfsBattery) SafeForNetworking() bool {
	if b.Dir == "" {
		return true
	}
	status, err := os.ReadFile(filepath.Join(b.Dir, "status"))
	if err != nil {
		return true
	}
	if strings.TrimSpace(string(status)) != "Discharging" {
		return true
	}
	raw, err := os.ReadFile(filepath.Join(b.Dir, "capacity"))
	if err != nil {
		return true
	}
	capacity, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return true
	}
	return capacity >= LowBatteryThreshold
}
