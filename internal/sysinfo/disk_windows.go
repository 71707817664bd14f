//go:build windows

package sysinfo

import "golang.org/x/sys/windows"

func rootPath() string { return `C:\` }

func diskUsage(path string) (total, available uint64, err error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, err
	}
	var free, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &free, &total, &totalFree); err != nil {
		return 0, 0, err
	}
	return total, free, nil
}
