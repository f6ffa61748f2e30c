// Package worker computes what a task-worker host advertises to the
// dispatcher: capacity minus whatever is currently reserved by
// zimfarm-labeled containers on this host.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package worker

import (
	"context"

	"github.com/kiwix/zimfarm-go/internal/containerrt"
)

// Capacity is what a worker was configured with.
type Capacity struct {
	CPU    float64
	Memory int64
	Disk   int64
}

// Available is Capacity net of whatever labeled containers have
// already reserved on this host.
type Available struct {
	CPU    float64
	Memory int64
	Disk   int64
}

// ResourceAdvertiser computes Available by summing the cpu/memory/disk
// labels of every running zimfarm-labeled container and subtracting
// from advertised Capacity, rather than reading live cgroup usage —
// the same accounting the worker used before this core existed.
type ResourceAdvertiser struct {
	rt  containerrt.RuntimeAPI
	cap Capacity
}

func NewResourceAdvertiser(rt containerrt.RuntimeAPI, cap Capacity) *ResourceAdvertiser {
	return &ResourceAdvertiser{rt: rt, cap: cap}
}

func (a *ResourceAdvertiser) Available(ctx context.Context) (Available, error) {
	used, err := a.rt.SumLabeled(ctx, containerrt.LabelCPU, containerrt.LabelMemory, containerrt.LabelDisk)
	if err != nil {
		return Available{}, err
	}
	avail := Available{
		CPU:    a.cap.CPU - used.CPU,
		Memory: a.cap.Memory - used.Memory,
		Disk:   a.cap.Disk - used.Disk,
	}
	if avail.CPU < 0 {
		avail.CPU = 0
	}
	if avail.Memory < 0 {
		avail.Memory = 0
	}
	if avail.Disk < 0 {
		avail.Disk = 0
	}
	return avail, nil
}
