package supervisor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokarevart/x2ssh/internal/retry"
	"github.com/tokarevart/x2ssh/internal/socks5"
	"github.com/tokarevart/x2ssh/internal/sshtransport"
	"github.com/tokarevart/x2ssh/internal/xerrors"
)

func zeroDelayPolicy(maxAttempts retry.MaxAttempts) retry.Policy {
	return retry.Policy{
		InitialDelay: 0,
		Backoff:      1,
		MaxDelay:     0,
		MaxAttempts:  maxAttempts,
	}
}

// fakeConn is a minimal Conn: dead closes to simulate keepalive death, and
// every other capability is stubbed since no scenario here drives real
// SOCKS5 forwarding or VPN exec channels.
type fakeConn struct {
	dead   chan struct{}
	closed int
	mu     sync.Mutex
}

func newFakeConn() *fakeConn { return &fakeConn{dead: make(chan struct{})} }

func (c *fakeConn) OpenDirectTCPIP(ctx context.Context, host string, port uint16) (io.ReadWriteCloser, error) {
	return nil, xerrors.Newf(xerrors.KindNetworkError, "not implemented in fake")
}
func (c *fakeConn) Dead() <-chan struct{} { return c.dead }
func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}
func (c *fakeConn) RunExec(ctx context.Context, cmd string) (int, string, error) { return 0, "", nil }
func (c *fakeConn) OpenExec(ctx context.Context, cmd string) (*sshtransport.ExecSession, error) {
	return nil, xerrors.Newf(xerrors.KindNetworkError, "not implemented in fake")
}
func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeForwarder records SetDialer/Serve calls without opening a real socket.
type fakeForwarder struct {
	serveCalled int
	setCalled   int
}

func (f *fakeForwarder) SetDialer(d socks5.Dialer) {
	f.setCalled++
}
func (f *fakeForwarder) Serve(ctx context.Context) error {
	f.serveCalled++
	<-ctx.Done()
	return nil
}

func TestWaitForRetryReturnsExhaustedAtMaxAttempts(t *testing.T) {
	s := New(nil, zeroDelayPolicy(retry.Finite(0)), zerolog.Nop())
	var attempt uint32

	err := s.waitForRetry(context.Background(), &attempt)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindExhausted, xerrors.KindOf(err))
}

func TestWaitForRetrySucceedsUnderUnlimitedAttempts(t *testing.T) {
	s := New(nil, zeroDelayPolicy(retry.Unlimited), zerolog.Nop())
	var attempt uint32

	err := s.waitForRetry(context.Background(), &attempt)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), attempt)
}

func TestWaitForRetryReturnsCancelledWhenContextDone(t *testing.T) {
	longDelay := retry.Policy{
		InitialDelay: time.Hour,
		Backoff:      1,
		MaxDelay:     time.Hour,
		MaxAttempts:  retry.Unlimited,
	}
	s := New(nil, longDelay, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var attempt uint32
	err := s.waitForRetry(ctx, &attempt)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindCancelled, xerrors.KindOf(err))
}

func TestRunVPNReturnsExhaustedWhenConnectNeverSucceeds(t *testing.T) {
	connectCalls := 0
	connector := func(ctx context.Context) (Conn, error) {
		connectCalls++
		return nil, xerrors.Newf(xerrors.KindNetworkError, "refused")
	}
	s := New(connector, zeroDelayPolicy(retry.Finite(2)), zerolog.Nop())

	err := s.RunVPN(context.Background(), func(conn Conn) VPNRunner {
		t.Fatal("newSession must not be called when connect never succeeds")
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, xerrors.KindExhausted, xerrors.KindOf(err))
	assert.Equal(t, 3, connectCalls) // initial + 2 retries
}

type scriptedRunner struct {
	err error
}

func (r scriptedRunner) Run(ctx context.Context) error { return r.err }

func TestRunVPNStopsImmediatelyOnPostUpFailed(t *testing.T) {
	conn := newFakeConn()
	connectCalls := 0
	connector := func(ctx context.Context) (Conn, error) {
		connectCalls++
		return conn, nil
	}
	s := New(connector, zeroDelayPolicy(retry.Unlimited), zerolog.Nop())

	postUpErr := xerrors.New(xerrors.KindPostUpFailed, &xerrors.PostUpFailure{Index: 1, ExitCode: 1})
	err := s.RunVPN(context.Background(), func(conn Conn) VPNRunner {
		return scriptedRunner{err: postUpErr}
	})

	require.Error(t, err)
	assert.Equal(t, xerrors.KindPostUpFailed, xerrors.KindOf(err))
	assert.Equal(t, 1, connectCalls)
	assert.Equal(t, 1, conn.closeCount())
}

func TestRunVPNReconnectsAfterTransientSessionFailureThenExhausts(t *testing.T) {
	conn := newFakeConn()
	connectCalls := 0
	connector := func(ctx context.Context) (Conn, error) {
		connectCalls++
		return conn, nil
	}
	s := New(connector, zeroDelayPolicy(retry.Finite(2)), zerolog.Nop())

	transientErr := xerrors.Newf(xerrors.KindSessionDead, "keepalive timed out")
	err := s.RunVPN(context.Background(), func(conn Conn) VPNRunner {
		return scriptedRunner{err: transientErr}
	})

	require.Error(t, err)
	assert.Equal(t, xerrors.KindExhausted, xerrors.KindOf(err))
	assert.Equal(t, 3, connectCalls)
	assert.Equal(t, 3, conn.closeCount())
}

func TestRunVPNStopsOnContextCancelMidRetryWait(t *testing.T) {
	conn := newFakeConn()
	connector := func(ctx context.Context) (Conn, error) { return conn, nil }
	longDelay := retry.Policy{
		InitialDelay: time.Hour,
		Backoff:      1,
		MaxDelay:     time.Hour,
		MaxAttempts:  retry.Unlimited,
	}
	s := New(connector, longDelay, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.RunVPN(ctx, func(conn Conn) VPNRunner {
			return scriptedRunner{err: xerrors.Newf(xerrors.KindSessionDead, "dead")}
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, xerrors.KindCancelled, xerrors.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("RunVPN did not return after cancellation")
	}
}

func TestRunSOCKS5ServesOnceAcrossMultipleReconnects(t *testing.T) {
	firstConn := newFakeConn()
	secondConn := newFakeConn()
	connectCalls := 0
	connector := func(ctx context.Context) (Conn, error) {
		connectCalls++
		if connectCalls == 1 {
			return firstConn, nil
		}
		return secondConn, nil
	}
	s := New(connector, zeroDelayPolicy(retry.Unlimited), zerolog.Nop())
	fw := &fakeForwarder{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunSOCKS5(ctx, fw) }()

	time.Sleep(10 * time.Millisecond)
	close(firstConn.dead)

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, xerrors.KindCancelled, xerrors.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("RunSOCKS5 did not return after cancellation")
	}

	assert.Equal(t, 1, fw.serveCalled)
	assert.GreaterOrEqual(t, fw.setCalled, 2)
	assert.Equal(t, 1, firstConn.closeCount())
}
