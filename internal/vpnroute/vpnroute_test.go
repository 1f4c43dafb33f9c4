package vpnroute

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIP records every invocation in order and lets individual calls be
// scripted to fail, without touching a real `ip` binary.
type fakeIP struct {
	calls [][]string
	fail  map[int]error
}

func newFakeIP() *fakeIP {
	return &fakeIP{fail: make(map[int]error)}
}

func (f *fakeIP) run(args []string) ([]byte, error) {
	idx := len(f.calls)
	f.calls = append(f.calls, args)
	if err, ok := f.fail[idx]; ok {
		return []byte("boom"), err
	}
	return []byte("ok"), nil
}

func (f *fakeIP) failNth(n int, err error) {
	f.fail[n] = err
}

func newManagerWithFake(t *testing.T) (*Manager, *fakeIP) {
	t.Helper()
	fake := newFakeIP()
	m := New(zerolog.Nop())
	m.runIP = fake.run
	return m, fake
}

func TestAddExclusionRouteRecordsUndoStep(t *testing.T) {
	m, fake := newManagerWithFake(t)

	require.NoError(t, m.AddExclusionRoute("10.0.0.0/8", "192.168.1.1"))
	assert.Equal(t, 1, m.Pending())
	assert.Equal(t, []string{"route", "add", "10.0.0.0/8", "via", "192.168.1.1"}, fake.calls[0])
}

func TestAddExclusionRouteFailurePropagatesAndRecordsNoStep(t *testing.T) {
	m, fake := newManagerWithFake(t)
	fake.failNth(0, errors.New("network is unreachable"))

	err := m.AddExclusionRoute("10.0.0.0/8", "192.168.1.1")
	assert.Error(t, err)
	assert.Equal(t, 0, m.Pending())
}

func TestReplaceDefaultRouteRecordsUndoStep(t *testing.T) {
	m, fake := newManagerWithFake(t)

	require.NoError(t, m.ReplaceDefaultRoute("tun-x2ssh", "192.168.1.1", "eth0"))
	assert.Equal(t, 1, m.Pending())
	assert.Equal(t, []string{"route", "replace", "default", "dev", "tun-x2ssh"}, fake.calls[0])
}

func TestTeardownUndoesInLIFOOrder(t *testing.T) {
	m, fake := newManagerWithFake(t)

	require.NoError(t, m.AddExclusionRoute("10.0.0.0/8", "192.168.1.1"))
	require.NoError(t, m.AddExclusionRoute("172.16.0.0/12", "192.168.1.1"))
	require.NoError(t, m.ReplaceDefaultRoute("tun-x2ssh", "192.168.1.1", "eth0"))

	setupCalls := len(fake.calls)
	m.Teardown()

	undoCalls := fake.calls[setupCalls:]
	require.Len(t, undoCalls, 3)
	// Default route restored first (it was installed last), then the two
	// exclusion routes removed in reverse of their installation order.
	assert.Equal(t, []string{"route", "replace", "default", "via", "192.168.1.1", "dev", "eth0"}, undoCalls[0])
	assert.Equal(t, []string{"route", "delete", "172.16.0.0/12"}, undoCalls[1])
	assert.Equal(t, []string{"route", "delete", "10.0.0.0/8"}, undoCalls[2])
}

func TestTeardownClearsPendingAndIsIdempotent(t *testing.T) {
	m, _ := newManagerWithFake(t)
	require.NoError(t, m.AddExclusionRoute("10.0.0.0/8", "192.168.1.1"))

	m.Teardown()
	assert.Equal(t, 0, m.Pending())

	// Calling Teardown again with nothing pending must not panic or error.
	m.Teardown()
	assert.Equal(t, 0, m.Pending())
}

func TestTeardownContinuesPastAFailedStep(t *testing.T) {
	m, fake := newManagerWithFake(t)

	require.NoError(t, m.AddExclusionRoute("10.0.0.0/8", "192.168.1.1"))
	require.NoError(t, m.AddExclusionRoute("172.16.0.0/12", "192.168.1.1"))

	setupCalls := len(fake.calls)
	// Fail the first undo step attempted (the most recently added route).
	fake.failNth(setupCalls, errors.New("no such route"))

	require.NotPanics(t, func() {
		m.Teardown()
	})

	undoCalls := fake.calls[setupCalls:]
	require.Len(t, undoCalls, 2, "both undo steps must run even though the first failed")
	assert.Equal(t, []string{"route", "delete", "172.16.0.0/12"}, undoCalls[0])
	assert.Equal(t, []string{"route", "delete", "10.0.0.0/8"}, undoCalls[1])
	assert.Equal(t, 0, m.Pending())
}

func TestReplaceDefaultRouteUndoWithoutOriginalDev(t *testing.T) {
	m, fake := newManagerWithFake(t)
	require.NoError(t, m.ReplaceDefaultRoute("tun-x2ssh", "192.168.1.1", ""))

	setupCalls := len(fake.calls)
	m.Teardown()

	undoCalls := fake.calls[setupCalls:]
	require.Len(t, undoCalls, 1)
	assert.Equal(t, []string{"route", "replace", "default", "via", "192.168.1.1"}, undoCalls[0])
}

func TestPendingReflectsLedgerAccurately(t *testing.T) {
	m, _ := newManagerWithFake(t)
	assert.Equal(t, 0, m.Pending())

	require.NoError(t, m.AddExclusionRoute("10.0.0.0/8", "192.168.1.1"))
	assert.Equal(t, 1, m.Pending())

	require.NoError(t, m.ReplaceDefaultRoute("tun-x2ssh", "192.168.1.1", "eth0"))
	assert.Equal(t, 2, m.Pending())
}
