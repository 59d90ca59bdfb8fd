package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New([]string{"WORK=/var/lib/skyrelay", "LEVEL=info", "bad-entry", "=x"}).
		WithBase([]string{"HOME=/root", "LEVEL=debug"})

	got := e.Merge([]string{"OUT=${WORK}/adsb.json", "LEVEL=warn"})
	assert.Equal(t, []string{
		"HOME=/root",
		"LEVEL=warn",
		"OUT=/var/lib/skyrelay/adsb.json",
		"WORK=/var/lib/skyrelay",
	}, got)
}

func TestMergeUnknownVarExpandsEmpty(t *testing.T) {
	e := New(nil).WithBase(nil)
	assert.Equal(t, []string{"A=x-"}, e.Merge([]string{"A=x-$MISSING"}))
}

func TestMergeUsesOSEnvByDefault(t *testing.T) {
	t.Setenv("SKYRELAY_TEST_ENV", "yes")
	got := New(nil).Merge(nil)
	assert.Contains(t, got, "SKYRELAY_TEST_ENV=yes")
}
