package killswitch

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIPTables struct {
	calls [][]string
	fail  map[int]error
}

func newFakeIPTables() *fakeIPTables {
	return &fakeIPTables{fail: make(map[int]error)}
}

func (f *fakeIPTables) run(args []string) ([]byte, error) {
	idx := len(f.calls)
	f.calls = append(f.calls, args)
	if err, ok := f.fail[idx]; ok {
		return []byte("boom"), err
	}
	return []byte("ok"), nil
}

func newManagerWithFake() (*Manager, *fakeIPTables) {
	fake := newFakeIPTables()
	m := New(zerolog.Nop())
	m.runIPT = fake.run
	return m, fake
}

func TestEnableInstallsLoopbackServerTunAndDropRules(t *testing.T) {
	m, fake := newManagerWithFake()

	require.NoError(t, m.Enable("tun-x2ssh", "198.51.100.7"))
	assert.True(t, m.Enabled())

	assert.Contains(t, fake.calls, []string{"-N", chainName})
	assert.Contains(t, fake.calls, []string{"-A", chainName, "-o", "lo", "-j", "ACCEPT"})
	assert.Contains(t, fake.calls, []string{"-A", chainName, "-d", "198.51.100.7", "-j", "ACCEPT"})
	assert.Contains(t, fake.calls, []string{"-A", chainName, "-o", "tun-x2ssh", "-j", "ACCEPT"})
	assert.Contains(t, fake.calls, []string{"-A", chainName, "-j", "DROP"})
	assert.Contains(t, fake.calls, []string{"-I", "OUTPUT", "1", "-j", chainName})

	// DROP must come after the ACCEPT rules, and the OUTPUT hook last.
	dropIdx, hookIdx := -1, -1
	for i, c := range fake.calls {
		if len(c) > 0 && c[len(c)-1] == "DROP" {
			dropIdx = i
		}
		if len(c) > 1 && c[0] == "-I" {
			hookIdx = i
		}
	}
	assert.Less(t, dropIdx, hookIdx)
}

func TestEnableFailureRollsBackAndLeavesDisabled(t *testing.T) {
	m, fake := newManagerWithFake()
	fake.fail[0] = errors.New("iptables: command not found")

	err := m.Enable("tun-x2ssh", "198.51.100.7")
	assert.Error(t, err)
	assert.False(t, m.Enabled())
}

func TestDisableIsIdempotentWhenNeverEnabled(t *testing.T) {
	m, _ := newManagerWithFake()
	assert.NotPanics(t, func() { m.Disable() })
	assert.False(t, m.Enabled())
}

func TestEnableTwiceDisablesFirstChainBeforeReinstalling(t *testing.T) {
	m, fake := newManagerWithFake()
	require.NoError(t, m.Enable("tun-x2ssh", "198.51.100.7"))

	callsAfterFirst := len(fake.calls)
	require.NoError(t, m.Enable("tun-x2ssh-2", "203.0.113.5"))

	secondRoundCalls := fake.calls[callsAfterFirst:]
	assert.Contains(t, secondRoundCalls, []string{"-D", "OUTPUT", "-j", chainName})
	assert.True(t, m.Enabled())
}

func TestDisableRunsAllThreeTeardownCommandsDespiteFailures(t *testing.T) {
	m, fake := newManagerWithFake()
	require.NoError(t, m.Enable("tun-x2ssh", "198.51.100.7"))

	callsAfterEnable := len(fake.calls)
	fake.fail[callsAfterEnable] = errors.New("no such rule")

	require.NotPanics(t, func() { m.Disable() })

	teardownCalls := fake.calls[callsAfterEnable:]
	require.Len(t, teardownCalls, 3)
	assert.Equal(t, []string{"-D", "OUTPUT", "-j", chainName}, teardownCalls[0])
	assert.Equal(t, []string{"-F", chainName}, teardownCalls[1])
	assert.Equal(t, []string{"-X", chainName}, teardownCalls[2])
	assert.False(t, m.Enabled())
}
