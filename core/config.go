package core

import "time"

// TLB eviction policies.
const (
	TLBPolicyClock  = "clock"
	TLBPolicyRandom = "random"
)

// Config is consumed once at engine construction.
type Config struct {
	Arch Arch
	Mode string // BackendInterpreter, BackendJit, or BackendHybrid

	MemorySize uint64 // guest physical RAM bytes

	TLBSize   int
	TLBPolicy string

	BlockCacheSize int
	MaxBlockLen    int // max instructions per decoded block
	EnableFusion   bool

	// Tiered JIT knobs. CompileThreshold is the starting hotness threshold;
	// the adaptive tracker keeps it within [ThresholdMin, ThresholdMax].
	CompileThreshold uint64
	ThresholdMin     uint64
	ThresholdMax     uint64
	AdaptiveStep     float64
	AdjustWindow     time.Duration
	NativeMultiplier uint64 // baseline->native promotion at threshold*multiplier
	Workers          int
	CodeCacheSize    int

	EnableAOT bool
	AOTPath   string // empty selects the in-memory store

	// TrapVector, when nonzero, is where guest-visible faults redirect the
	// PC. Zero means faults surface as ExitTrapped.
	TrapVector GuestAddr
}

// DefaultConfig returns the baseline configuration for the given guest
// architecture.
func DefaultConfig(arch Arch) Config {
	return Config{
		Arch:             arch,
		Mode:             BackendHybrid,
		MemorySize:       64 * 1024 * 1024,
		TLBSize:          256,
		TLBPolicy:        TLBPolicyClock,
		BlockCacheSize:   4096,
		MaxBlockLen:      128,
		EnableFusion:     true,
		CompileThreshold: 100,
		ThresholdMin:     10,
		ThresholdMax:     1000,
		AdaptiveStep:     0.1,
		AdjustWindow:     time.Second,
		NativeMultiplier: 10,
		Workers:          2,
		CodeCacheSize:    2048,
	}
}
