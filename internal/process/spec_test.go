package process

import (
	"reflect"
	"testing"
)

func TestBuildCommand(t *testing.T) {
	cases := []struct {
		cmd  string
		args []string
	}{
		{"", []string{"/bin/true"}},
		{"readsb --device 0 --net", []string{"readsb", "--device", "0", "--net"}},
		{"sh -c 'dumpvdl2 --rtlsdr 0 > out.json'", []string{"/bin/sh", "-c", "dumpvdl2 --rtlsdr 0 > out.json"}},
		{"/bin/sh -c \"sleep 1\"", []string{"/bin/sh", "-c", "sleep 1"}},
		{"acarsdec -o 4 -r 0 131.550 | tee acars.json", []string{"/bin/sh", "-c", "acarsdec -o 4 -r 0 131.550 | tee acars.json"}},
	}
	for _, tc := range cases {
		got := Spec{Command: tc.cmd}.BuildCommand().Args
		if tc.cmd == "" {
			if len(got) != 1 || got[0] != "/bin/true" {
				t.Errorf("empty command: got %v", got)
			}
			continue
		}
		if !reflect.DeepEqual(got, tc.args) {
			t.Errorf("%q: got %#v want %#v", tc.cmd, got, tc.args)
		}
	}
}

func TestBinary(t *testing.T) {
	cases := map[string]string{
		"":                                "",
		"readsb --device 0":               "readsb",
		"sh -c 'dumpvdl2 --rtlsdr 0'":     "dumpvdl2",
		"  /usr/local/bin/acarsdec -r 0 ": "/usr/local/bin/acarsdec",
		"'/opt/ai/llama-server' --port 1": "/opt/ai/llama-server",
	}
	for in, want := range cases {
		if got := (Spec{Command: in}).Binary(); got != want {
			t.Errorf("Binary(%q) = %q want %q", in, got, want)
		}
	}
}
