// Package device describes the execution contexts towers are pinned to.
package device

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// Context is the explicit placement of one tower. Index matches the shard
// index it serves for the whole run.
type Context struct {
	Index   int
	Name    string
	Threads int
}

func (c Context) String() string { return c.Name }

// Host summarizes the processor the run is placed on.
type Host struct {
	Brand         string
	Vendor        string
	LogicalCores  int
	PhysicalCores int
	Features      []string
}

// DescribeHost reads the processor identity detected at startup.
func DescribeHost() Host {
	return Host{
		Brand:         cpuid.CPU.BrandName,
		Vendor:        cpuid.CPU.VendorString,
		LogicalCores:  cpuid.CPU.LogicalCores,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		Features:      cpuid.CPU.FeatureSet(),
	}
}

// SupportsWideVectors reports whether the host has AVX2 or AVX-512.
func (h Host) SupportsWideVectors() bool {
	has := make(map[string]bool, len(h.Features))
	for _, f := range h.Features {
		has[f] = true
	}
	return has[cpuid.AVX2.String()] || (has[cpuid.AVX512F.String()] && has[cpuid.AVX512DQ.String()])
}

// Table builds one Context per device index 0..n-1 and splits the host's
// logical cores evenly between them.
func Table(n int) ([]Context, error) {
	return tableFor(DescribeHost(), n)
}

func tableFor(host Host, n int) ([]Context, error) {
	if n <= 0 {
		return nil, errors.Errorf("device: need at least one device (got %d)", n)
	}
	threads := host.LogicalCores / n
	if threads < 1 {
		threads = 1
	}
	table := make([]Context, n)
	for i := range table {
		table[i] = Context{Index: i, Name: fmt.Sprintf("cpu:%d", i), Threads: threads}
	}
	return table, nil
}
