package netif

import (
	"strings"

	"golang.org/x/sys/unix"
)

// affectedReleasePrefixes lists kernel releases with the PACKET_TX_RING
// slot-loss bug, which was reported against a short run of adjacent
// releases.
var affectedReleasePrefixes = []string{
	"2.6.31",
	"2.6.32",
}

// DetectTXRingBug reports whether the running kernel's release string
// matches a known-affected prefix, for use as the default value of the
// TXRingWorkaround config knob when the operator hasn't set it explicitly.
func DetectTXRingBug() bool {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return false
	}
	release := cToString(uts.Release[:])
	for _, prefix := range affectedReleasePrefixes {
		if strings.HasPrefix(release, prefix) {
			return true
		}
	}
	return false
}

func cToString(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}
