package engine

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/jit"
)

// The tiers must be observationally identical: the same block from the same
// initial state leaves the same registers, flags, memory, and retire count
// whether interpreted or run as compiled threaded code.

func TestInterpreterThreadedEquivalence(t *testing.T) {
	program := []uint32{
		rvAddi(1, 0, 100),
		rvAddi(2, 0, -7),
		rvAdd(3, 1, 2),
		rvSd(3, 0, 64),
		rvLd(4, 0, 64),
		rvBeq(3, 4, 8),
	}

	run := func(t *testing.T, threaded bool) (*core.VcpuExecState, uint64) {
		e := newTestEngine(t, nil)
		loadProgram(t, e, 0x1000, program...)
		v := e.NewVcpu(0)
		v.State().PC = 0x1000

		dec, err := ir.NewDecoder(core.ArchRiscV64)
		require.NoError(t, err)
		blk, err := ir.BuildBlock(dec, v.Memory(), 0x1000, 64)
		require.NoError(t, err)

		if threaded {
			tc, err := jit.CompileBaseline(blk)
			require.NoError(t, err)
			require.NoError(t, jit.ExecThreaded(v.State(), v.Memory(), tc))
		} else {
			ip := interp{st: v.State(), mem: v.Memory()}
			require.NoError(t, ip.run(blk))
		}
		word, err := v.Memory().Read(64, 8)
		require.NoError(t, err)
		return v.State(), word
	}

	istate, imem := run(t, false)
	tstate, tmem := run(t, true)

	assert.Equal(t, istate.X, tstate.X)
	assert.Equal(t, istate.PC, tstate.PC)
	assert.Equal(t, istate.Flags, tstate.Flags)
	assert.Equal(t, istate.InstrRet, tstate.InstrRet)
	assert.Equal(t, imem, tmem)
	assert.Equal(t, uint64(93), istate.Reg(3))
}

func TestFusionIsTransparent(t *testing.T) {
	program := []uint32{
		rvAddi(2, 0, 128),
		rvAddi(5, 0, 9),
		rvLd(1, 2, 0),
		rvAdd(1, 1, 5),
		rvEbreak,
	}

	run := func(t *testing.T, fuse bool) *core.VcpuExecState {
		e := newTestEngine(t, nil)
		loadProgram(t, e, 0x1000, program...)
		v := e.NewVcpu(0)
		v.State().PC = 0x1000
		require.NoError(t, v.Memory().Write(128, 1234, 8))

		dec, err := ir.NewDecoder(core.ArchRiscV64)
		require.NoError(t, err)
		blk, err := ir.BuildBlock(dec, v.Memory(), 0x1000, 64)
		require.NoError(t, err)
		if fuse {
			require.Equal(t, 1, Fuse(blk), "the load-add pair folds")
		}

		ip := interp{st: v.State(), mem: v.Memory()}
		require.NoError(t, ip.run(blk))
		return v.State()
	}

	plain := run(t, false)
	fused := run(t, true)

	assert.Equal(t, plain.X, fused.X)
	assert.Equal(t, plain.PC, fused.PC)
	assert.Equal(t, plain.InstrRet, fused.InstrRet, "fused pairs retire both instructions")
	assert.Equal(t, uint64(1243), fused.Reg(1))
}

func BenchmarkInterpretBlock(b *testing.B) {
	cfg := core.DefaultConfig(core.ArchRiscV64)
	cfg.Mode = core.BackendInterpreter
	cfg.MemorySize = 1 << 20
	e, err := New(cfg)
	if err != nil {
		b.Fatal(err)
	}
	defer e.Close()

	words := []uint32{
		rvAddi(1, 1, 1),
		rvAdd(2, 2, 1),
		rvAddi(3, 0, 7),
		rvAdd(4, 3, 2),
		rvBeq(0, 0, -16),
	}
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	if err := e.LoadImage(0x1000, buf); err != nil {
		b.Fatal(err)
	}

	v := e.NewVcpu(0)
	dec, err := ir.NewDecoder(core.ArchRiscV64)
	if err != nil {
		b.Fatal(err)
	}
	blk, err := ir.BuildBlock(dec, v.Memory(), 0x1000, 64)
	if err != nil {
		b.Fatal(err)
	}
	ip := interp{st: v.State(), mem: v.Memory()}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v.State().PC = 0x1000
		if err := ip.run(blk); err != nil {
			b.Fatal(err)
		}
	}
}
