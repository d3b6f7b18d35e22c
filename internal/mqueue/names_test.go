//go:build linux

package mqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNames(t *testing.T) {
	tests := []struct {
		name       string
		mountpoint string
		u2d        string
		d2u        string
	}{
		{
			name:       "simple",
			mountpoint: "/mnt/wim",
			u2d:        "/wimwimlib-unmount-to-daemon-mq",
			d2u:        "/wimwimlib-daemon-to-unmount-mq",
		},
		{
			name:       "trailing slashes stripped",
			mountpoint: "/mnt/wim///",
			u2d:        "/wimwimlib-unmount-to-daemon-mq",
			d2u:        "/wimwimlib-daemon-to-unmount-mq",
		},
		{
			name:       "relative mountpoint",
			mountpoint: "mnt",
			u2d:        "/mntwimlib-unmount-to-daemon-mq",
			d2u:        "/mntwimlib-daemon-to-unmount-mq",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u2d, d2u := Names(tt.mountpoint)
			assert.Equal(t, tt.u2d, u2d)
			assert.Equal(t, tt.d2u, d2u)
		})
	}
}
