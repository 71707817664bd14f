//go:build !linux && !darwin && !windows

package sysinfo

import (
	"errors"
	"runtime"
)

func rootPath() string { return "/" }

func diskUsage(string) (total, available uint64, err error) {
	return 0, 0, errors.New("disk usage not supported on " + runtime.GOOS)
}
