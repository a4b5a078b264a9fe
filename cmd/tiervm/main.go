// tiervm runs a raw guest image on the tiered virtualization engine:
// interpreter first, baseline threaded code once a block runs hot, and
// native x86-64 where the host supports it, with an optional persisted
// code cache across runs.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/engine"
	"github.com/colorfulnotion/tiervm/log"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "tiervm",
		Short: "Multi-architecture tiered CPU virtualization engine",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		arch         string
		backend      string
		loadAddr     uint64
		entry        uint64
		memSize      uint64
		budget       uint64
		tlbSize      int
		tlbPolicy    string
		maxBlockLen  int
		threshold    uint64
		thresholdMin uint64
		thresholdMax uint64
		nativeMult   uint64
		workers      int
		fusion       bool
		enableAOT    bool
		aotPath      string
		trapVector   uint64
		logLevel     string
		debug        string
	)

	var runCmd = &cobra.Command{
		Use:   "run <image>",
		Short: "Execute a raw guest image until it halts",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			log.InitLogger(logLevel)
			for _, m := range strings.Split(debug, ",") {
				if m = strings.TrimSpace(m); m != "" {
					log.EnableModule(m)
				}
			}

			guestArch, ok := core.ParseArch(arch)
			if !ok {
				fmt.Printf("Unknown guest architecture %q\n", arch)
				os.Exit(1)
			}

			cfg := core.DefaultConfig(guestArch)
			cfg.Mode = backend
			cfg.MemorySize = memSize
			cfg.TLBSize = tlbSize
			cfg.TLBPolicy = tlbPolicy
			cfg.MaxBlockLen = maxBlockLen
			cfg.EnableFusion = fusion
			cfg.Workers = workers
			cfg.EnableAOT = enableAOT
			cfg.AOTPath = aotPath
			cfg.TrapVector = core.GuestAddr(trapVector)
			if threshold > 0 {
				cfg.CompileThreshold = threshold
			}
			if thresholdMin > 0 {
				cfg.ThresholdMin = thresholdMin
			}
			if thresholdMax > 0 {
				cfg.ThresholdMax = thresholdMax
			}
			if nativeMult > 0 {
				cfg.NativeMultiplier = nativeMult
			}

			image, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Printf("Failed to read image: %v\n", err)
				os.Exit(1)
			}

			fmt.Printf("Starting tiervm\n")
			fmt.Printf("  Guest Arch: %s\n", guestArch)
			fmt.Printf("  Backend: %s\n", cfg.Mode)
			fmt.Printf("  Image: %s (%d bytes at 0x%x)\n", args[0], len(image), loadAddr)
			fmt.Printf("  Memory: %d MiB\n", cfg.MemorySize>>20)

			eng, err := engine.New(cfg)
			if err != nil {
				fmt.Printf("Failed to build engine: %v\n", err)
				os.Exit(1)
			}
			defer eng.Close()

			if err := eng.LoadImage(core.GuestPhysAddr(loadAddr), image); err != nil {
				fmt.Printf("Failed to load image: %v\n", err)
				os.Exit(1)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			eng.Start(ctx)

			vcpu := eng.NewVcpu(0)
			vcpu.State().PC = core.GuestAddr(entry)

			cond := core.UntilHalt()
			if budget > 0 {
				cond = core.WithBudget(budget)
			}

			start := time.Now()
			reason, err := vcpu.Run(cond)
			elapsed := time.Since(start)
			if err != nil {
				fmt.Printf("Execution failed: %v\n", err)
				os.Exit(1)
			}

			st := vcpu.State()
			fmt.Printf("\nExit: %s\n", reason)
			fmt.Printf("  PC: 0x%x\n", uint64(st.PC))
			fmt.Printf("  Instructions: %d (%.2f MIPS)\n", st.InstrRet,
				float64(st.InstrRet)/elapsed.Seconds()/1e6)
			if st.TrapCause != 0 {
				fmt.Printf("  Trap: cause=%d value=0x%x\n", st.TrapCause, st.TrapValue)
			}

			stats := eng.Stats()
			fmt.Printf("\nTLB: %d hits, %d misses, %d evictions\n",
				stats.Tlb.Hits, stats.Tlb.Misses, stats.Tlb.Evictions)
			fmt.Printf("Blocks: %d cached, %d hits, %d misses, %d invalidated\n",
				stats.Blocks.Blocks, stats.Blocks.Hits, stats.Blocks.Misses,
				stats.Blocks.Invalidations)
			fmt.Printf("JIT: %d compiles, %d failures, %v total (%v avg), threshold %d, %d installed\n",
				stats.Jit.Compiles, stats.Jit.CompileFailures,
				stats.Jit.TotalCompileTime, stats.Jit.AvgCompileTime,
				stats.Jit.Threshold, stats.Jit.Cache.Installed)
			if enableAOT {
				fmt.Printf("AOT: %d hits, %d misses, %d stale\n",
					stats.Aot.Hits, stats.Aot.Misses, stats.Aot.StaleDrops)
			}
		},
	}

	runCmd.Flags().StringVar(&arch, "arch", "riscv64", "guest architecture (riscv64, arm64, x86_64)")
	runCmd.Flags().StringVar(&backend, "backend", core.BackendHybrid, "execution backend (interpreter, jit, hybrid)")
	runCmd.Flags().Uint64Var(&loadAddr, "load-addr", 0x1000, "physical load address of the image")
	runCmd.Flags().Uint64Var(&entry, "entry", 0x1000, "initial program counter")
	runCmd.Flags().Uint64Var(&memSize, "mem", 64<<20, "guest RAM size in bytes")
	runCmd.Flags().Uint64Var(&budget, "budget", 0, "instruction budget (0 runs until halt)")
	runCmd.Flags().IntVar(&tlbSize, "tlb-size", 256, "TLB capacity in entries")
	runCmd.Flags().StringVar(&tlbPolicy, "tlb-policy", core.TLBPolicyClock, "TLB eviction policy (clock, random)")
	runCmd.Flags().IntVar(&maxBlockLen, "max-block-len", 128, "max instructions per decoded block")
	runCmd.Flags().Uint64Var(&threshold, "threshold", 0, "initial compile threshold (0 keeps the default)")
	runCmd.Flags().Uint64Var(&thresholdMin, "threshold-min", 0, "adaptive threshold floor (0 keeps the default)")
	runCmd.Flags().Uint64Var(&thresholdMax, "threshold-max", 0, "adaptive threshold ceiling (0 keeps the default)")
	runCmd.Flags().Uint64Var(&nativeMult, "native-multiplier", 0, "baseline-to-native promotion multiple (0 keeps the default)")
	runCmd.Flags().IntVar(&workers, "workers", 2, "compile worker goroutines")
	runCmd.Flags().BoolVar(&fusion, "fusion", true, "enable instruction fusion")
	runCmd.Flags().BoolVar(&enableAOT, "aot", false, "persist compiled code across runs")
	runCmd.Flags().StringVar(&aotPath, "aot-path", "", "compiled-code cache directory (empty keeps it in memory)")
	runCmd.Flags().Uint64Var(&trapVector, "trap-vector", 0, "guest trap vector address (0 exits on trap)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	runCmd.Flags().StringVar(&debug, "debug", "", "comma-separated modules for verbose logging")

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tiervm %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
