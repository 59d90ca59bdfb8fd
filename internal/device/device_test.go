package device

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeSample = `Found 2 device(s):
  0:  Realtek, RTL2838UHIDIR, SN: 00000001
  1:  Realtek, RTL2838UHIDIR, SN: 1090
  1:  duplicate line ignored

Using device 0: Generic RTL2832U OEM
usb_claim_interface error -6
`

func TestParseProbeOutput(t *testing.T) {
	devs := ParseProbeOutput(probeSample)
	require.Len(t, devs, 2)
	assert.Equal(t, 0, devs[0].Index)
	assert.Equal(t, "00000001", devs[0].Serial)
	assert.Equal(t, "Realtek, RTL2838UHIDIR, SN: 00000001", devs[0].Descriptor)
	assert.Equal(t, "1090", devs[1].Serial)
	assert.Equal(t, "1", devs[1].ID())

	assert.Empty(t, ParseProbeOutput("No supported devices found.\n"))
}

func TestEnumerateEmptyIsNoDeviceFound(t *testing.T) {
	_, err := Enumerate(context.Background(), StaticEnumerator(nil))
	assert.ErrorIs(t, err, ErrNoDeviceFound)

	devs, err := Enumerate(context.Background(), StaticEnumerator{{Index: 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, devs[0].Index)
}

func TestCommandEnumeratorToleratesNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script probe")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "probe.sh")
	body := "#!/bin/sh\ncat <<'X'\n" + probeSample + "X\nexit 1\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o700))

	devs, err := CommandEnumerator{Command: script}.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Len(t, devs, 2)
}

func TestCommandEnumeratorMissingBinary(t *testing.T) {
	_, err := CommandEnumerator{Command: "/nonexistent/rtl_test -t"}.Enumerate(context.Background())
	assert.Error(t, err)
}

func TestFunctionValid(t *testing.T) {
	for _, f := range Functions {
		assert.True(t, f.Valid())
	}
	assert.False(t, Function("hfdl").Valid())
}
