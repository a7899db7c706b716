package gbatch

import (
	"fmt"
	"sort"
	"strings"
)

// machineShape is one catalog row: a family variant with its per-vCPU memory
// and the vCPU sizes it is sold in.
type machineShape struct {
	family    string  // machine type prefix, e.g. "n2-standard"
	memPerCPU float64 // GB per vCPU
	sizes     []int64
	spotOK    bool
	localSSD  bool
}

// machineCatalog is a static table of common Compute Engine shapes. It does
// not have to be exhaustive: when nothing fits, selection falls back to the
// provider's own choice.
var machineCatalog = []machineShape{
	{family: "e2-standard", memPerCPU: 4, sizes: []int64{2, 4, 8, 16, 32}, spotOK: true},
	{family: "e2-highmem", memPerCPU: 8, sizes: []int64{2, 4, 8, 16}, spotOK: true},
	{family: "e2-highcpu", memPerCPU: 1, sizes: []int64{2, 4, 8, 16, 32}, spotOK: true},
	{family: "n1-standard", memPerCPU: 3.75, sizes: []int64{1, 2, 4, 8, 16, 32, 64, 96}, spotOK: true, localSSD: true},
	{family: "n1-highmem", memPerCPU: 6.5, sizes: []int64{2, 4, 8, 16, 32, 64, 96}, spotOK: true, localSSD: true},
	{family: "n1-highcpu", memPerCPU: 0.9, sizes: []int64{2, 4, 8, 16, 32, 64, 96}, spotOK: true, localSSD: true},
	{family: "n2-standard", memPerCPU: 4, sizes: []int64{2, 4, 8, 16, 32, 48, 64, 80, 96, 128}, spotOK: true, localSSD: true},
	{family: "n2-highmem", memPerCPU: 8, sizes: []int64{2, 4, 8, 16, 32, 48, 64, 80, 96, 128}, spotOK: true, localSSD: true},
	{family: "n2-highcpu", memPerCPU: 1, sizes: []int64{2, 4, 8, 16, 32, 48, 64, 80, 96}, spotOK: true, localSSD: true},
	{family: "n2d-standard", memPerCPU: 4, sizes: []int64{2, 4, 8, 16, 32, 48, 64, 80, 96, 128, 224}, spotOK: true, localSSD: true},
	{family: "n2d-highmem", memPerCPU: 8, sizes: []int64{2, 4, 8, 16, 32, 48, 64, 80, 96}, spotOK: true, localSSD: true},
	{family: "c2-standard", memPerCPU: 4, sizes: []int64{4, 8, 16, 30, 60}, spotOK: true, localSSD: true},
	{family: "c2d-standard", memPerCPU: 4, sizes: []int64{2, 4, 8, 16, 32, 56, 112}, spotOK: true, localSSD: true},
	{family: "c2d-highmem", memPerCPU: 8, sizes: []int64{2, 4, 8, 16, 32, 56, 112}, spotOK: true, localSSD: true},
}

// MachineRequest is what the selector matches against the catalog.
type MachineRequest struct {
	CPUs     int64
	MemoryMB int64
	Families []string
	Spot     bool
	LocalSSD bool
}

type machineCandidate struct {
	name  string
	cpus  int64
	memGB float64
}

// SelectMachineType picks the smallest catalog machine satisfying a request:
// fewest vCPUs first, then least memory headroom, then name for a stable
// tie-break. It returns "" when nothing fits, in which case the caller lets
// the provider choose.
func SelectMachineType(req MachineRequest) string {
	if req.CPUs <= 0 {
		req.CPUs = 1
	}
	memGB := float64(req.MemoryMB) / 1024

	var candidates []machineCandidate
	for _, shape := range machineCatalog {
		if req.Spot && !shape.spotOK {
			continue
		}
		if req.LocalSSD && !shape.localSSD {
			continue
		}
		for _, size := range shape.sizes {
			name := fmt.Sprintf("%s-%d", shape.family, size)
			if !familyAllowed(name, req.Families) {
				continue
			}
			if size < req.CPUs {
				continue
			}
			if float64(size)*shape.memPerCPU < memGB {
				continue
			}
			candidates = append(candidates, machineCandidate{
				name:  name,
				cpus:  size,
				memGB: float64(size) * shape.memPerCPU,
			})
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].cpus != candidates[j].cpus {
			return candidates[i].cpus < candidates[j].cpus
		}
		if candidates[i].memGB != candidates[j].memGB {
			return candidates[i].memGB < candidates[j].memGB
		}
		return candidates[i].name < candidates[j].name
	})
	return candidates[0].name
}

// familyAllowed reports whether a machine type name passes the configured
// family patterns. A pattern matches as a prefix; a trailing '*' is allowed
// and ignored. No patterns means everything is allowed.
func familyAllowed(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		p = strings.TrimSuffix(strings.TrimSpace(p), "*")
		if p == "" {
			return true
		}
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
