package sysinfo

import "testing"

func TestCollect_BestEffort(t *testing.T) {
	t.Parallel()

	// Collect must never fail outright, even when a collector does; a
	// bogus disk path only zeroes the disk section.
	o := Collect("/definitely/not/a/mountpoint")
	if o.Disk.Total != 0 || o.Disk.Used != 0 {
		t.Fatalf("disk=%+v", o.Disk)
	}
}

func TestCollect_DefaultsDiskPath(t *testing.T) {
	t.Parallel()

	o := Collect("")
	if o.Hostname == "" {
		t.Fatal("hostname empty")
	}
	if o.Memory.Total == 0 {
		t.Fatal("memory total zero")
	}
	if o.Memory.UsedPercent < 0 || o.Memory.UsedPercent > 100 {
		t.Fatalf("memory percent=%f", o.Memory.UsedPercent)
	}
}
