//go:build !(linux && amd64)

package jit

import (
	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

const nativeSupported = false

// nativeCode is never instantiated on platforms without a native tier.
type nativeCode struct{}

func newNativeCode(code []byte) (*nativeCode, error) {
	return nil, vmerrors.Internalf("native tier unavailable on this platform")
}

func (nc *nativeCode) size() int { return 0 }

func (nc *nativeCode) releaseRegion() {}

func runNative(st *core.VcpuExecState, ram []byte, nc *nativeCode) {}
