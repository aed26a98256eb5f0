package audio

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileModuleGainAndClip(t *testing.T) {
	module, err := CompileModule("test", []byte("# chain\ngain 0.5\nclip 0.5\n"))
	require.NoError(t, err)
	require.Equal(t, "test", module.Ref)

	samples := []int16{1000, -1000, 32767}
	module.Process(samples)

	require.Equal(t, int16(500), samples[0])
	require.Equal(t, int16(-500), samples[1])
	// 32767*0.5 then clipped at half scale.
	require.InDelta(t, 16383, int(samples[2]), 1)
}

func TestCompileModuleRejectsUnknownOp(t *testing.T) {
	_, err := CompileModule("test", []byte("reverse-polarity 1\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown processor op")
	require.Contains(t, err.Error(), "line 1")
}

func TestCompileModuleRejectsBadArg(t *testing.T) {
	_, err := CompileModule("test", []byte("gain loud\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a number")
}

func TestCompileModuleRejectsEmptyChain(t *testing.T) {
	_, err := CompileModule("test", []byte("# nothing but comments\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "no processor ops")
}

func TestEmbeddedDefaultModuleCompiles(t *testing.T) {
	asset, err := ReadModuleAsset(DefaultModuleRef)
	require.NoError(t, err)

	module, err := CompileModule(DefaultModuleRef, asset)
	require.NoError(t, err)
	require.NotNil(t, module)
}

func TestReadModuleAssetMissingFile(t *testing.T) {
	_, err := ReadModuleAsset("/nonexistent/chain.dspmod")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "read module asset"))
}

func TestClampSample(t *testing.T) {
	require.Equal(t, int16(32767), clampSample(1e6))
	require.Equal(t, int16(-32768), clampSample(-1e6))
	require.Equal(t, int16(42), clampSample(42))
}
