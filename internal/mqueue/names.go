//go:build linux

package mqueue

import "strings"

const (
	prefix    = "wimlib-"
	u2dSuffix = "unmount-to-daemon-mq"
	d2uSuffix = "daemon-to-unmount-mq"
)

// Names derives the pair of system-wide queue names from the mount point:
// its basename with trailing slashes stripped and any remaining slashes
// replaced by underscores. Two simultaneous unmounts of identically named
// directories can still collide; that is accepted.
func Names(mountpoint string) (unmountToDaemon, daemonToUnmount string) {
	base := strings.TrimRight(mountpoint, "/")
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	base = strings.ReplaceAll(base, "/", "_")
	return "/" + base + prefix + u2dSuffix, "/" + base + prefix + d2uSuffix
}
