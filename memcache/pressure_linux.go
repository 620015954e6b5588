//go:build linux

package memcache

import "golang.org/x/sys/unix"

// readPressureLinux estimates memory pressure from Sysinfo's free/total
// ratio -- a best-effort signal, not a precise one; Nuke has no business
// parsing cgroup PSI files, just enough to know when to let go of caches.
func readPressureLinux() pressureLevel {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return pressureNormal
	}
	if info.Totalram == 0 {
		return pressureNormal
	}
	freeFrac := float64(info.Freeram) / float64(info.Totalram)
	switch {
	case freeFrac < 0.03:
		return pressureOOM
	case freeFrac < 0.08:
		return pressureExtreme
	case freeFrac < 0.15:
		return pressureHigh
	default:
		return pressureNormal
	}
}

func init() { readPressure = readPressureLinux }
