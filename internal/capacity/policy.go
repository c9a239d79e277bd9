// Package capacity sizes the memory tier from the memory available to the
// process and keeps it sized as that budget changes.
package capacity

import (
	"math"
	"runtime/debug"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/tiercache/tiercache/pkg/types"
)

const (
	// DefaultFraction is the share of available memory given to the memory tier
	DefaultFraction = 0.125

	// MinBytes is the smallest capacity any policy returns
	MinBytes int64 = 1 << 20

	fallbackAvailable uint64 = 1 << 30
)

// FractionPolicy grants the memory tier a fixed fraction of available memory
type FractionPolicy struct {
	Fraction float64
}

var _ types.CapacityPolicy = FractionPolicy{}

// MaxBytes implements types.CapacityPolicy
func (p FractionPolicy) MaxBytes(available uint64) int64 {
	f := p.Fraction
	if f <= 0 || f > 1 {
		f = DefaultFraction
	}
	size := float64(available) * f
	if size > math.MaxInt64 {
		return math.MaxInt64
	}
	if int64(size) < MinBytes {
		return MinBytes
	}
	return int64(size)
}

// FixedPolicy always returns the same capacity
type FixedPolicy struct {
	Bytes int64
}

// MaxBytes implements types.CapacityPolicy
func (p FixedPolicy) MaxBytes(uint64) int64 {
	if p.Bytes < MinBytes {
		return MinBytes
	}
	return p.Bytes
}

// virtualMemory is swapped out in tests
var virtualMemory = mem.VirtualMemory

// Available returns the memory budget of the process: the Go soft memory
// limit when one is set, otherwise the machine's total memory.
func Available() uint64 {
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		return uint64(limit)
	}
	if vm, err := virtualMemory(); err == nil && vm.Total > 0 {
		return vm.Total
	}
	return fallbackAvailable
}
