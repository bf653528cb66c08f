package sysinfo

import (
	"log"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Overview is the relay host's resource picture served alongside the VPN
// state on /api/server.
type Overview struct {
	Hostname      string  `json:"hostname"`
	Platform      string  `json:"platform"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	Memory        Usage   `json:"memory"`
	Disk          Usage   `json:"disk"`
}

// Usage is a total/used pair with a percentage, in bytes.
type Usage struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
}

// Collect gathers a best-effort host overview. Individual collector
// failures are logged and leave their section zeroed; the dashboard
// prefers a partial picture over none.
func Collect(diskPath string) Overview {
	if diskPath == "" {
		diskPath = "/"
	}
	var o Overview

	if info, err := host.Info(); err != nil {
		log.Printf("sysinfo host: %v", err)
	} else {
		o.Hostname = info.Hostname
		o.Platform = info.Platform
		o.UptimeSeconds = info.Uptime
	}

	if pct, err := cpu.Percent(0, false); err != nil {
		log.Printf("sysinfo cpu: %v", err)
	} else if len(pct) > 0 {
		o.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		log.Printf("sysinfo mem: %v", err)
	} else {
		o.Memory = Usage{Total: vm.Total, Used: vm.Used, UsedPercent: vm.UsedPercent}
	}

	if du, err := disk.Usage(diskPath); err != nil {
		log.Printf("sysinfo disk %s: %v", diskPath, err)
	} else {
		o.Disk = Usage{Total: du.Total, Used: du.Used, UsedPercent: du.UsedPercent}
	}

	return o
}
