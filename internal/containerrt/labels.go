package containerrt

import (
	"strconv"

	"github.com/docker/docker/api/types/filters"
)

// Resource-reservation labels written on the scraper container at
// start and read back by SumLabeled to compute available capacity.
const (
	LabelCPU    = "zimfarm_cpu"
	LabelMemory = "zimfarm_memory"
	LabelDisk   = "zimfarm_disk"
)

func filtersForLabel(key, value string) filters.Args {
	f := filters.NewArgs()
	f.Add("label", key+"="+value)
	return f
}

func parseFloatLabel(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseIntLabel(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

// FormatFloat and FormatInt are the inverse of the parse helpers above,
// used when Start's caller builds the resource labels (task_id's
// siblings: cpu, memory, disk) it wants SumLabeled to read back later.
func FormatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
func FormatInt(v int64) string     { return strconv.FormatInt(v, 10) }
