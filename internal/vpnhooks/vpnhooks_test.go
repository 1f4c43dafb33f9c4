package vpnhooks

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokarevart/x2ssh/internal/xerrors"
)

type scriptedResult struct {
	exitCode int
	stderr   string
	err      error
}

type fakeRunner struct {
	results []scriptedResult
	ran     []string
}

func (f *fakeRunner) RunExec(_ context.Context, cmd string) (int, string, error) {
	idx := len(f.ran)
	f.ran = append(f.ran, cmd)
	if idx >= len(f.results) {
		return 0, "", nil
	}
	r := f.results[idx]
	return r.exitCode, r.stderr, r.err
}

func TestRunPostUpExecutesAllCommandsInOrderOnSuccess(t *testing.T) {
	fake := &fakeRunner{}
	commands := []string{"/bin/true", "sysctl -w net.ipv4.ip_forward=1", "/bin/true"}

	err := RunPostUp(context.Background(), fake, zerolog.Nop(), commands)

	require.NoError(t, err)
	assert.Equal(t, commands, fake.ran)
}

func TestRunPostUpAbortsAtFirstNonZeroExit(t *testing.T) {
	fake := &fakeRunner{
		results: []scriptedResult{
			{exitCode: 0},
			{exitCode: 1, stderr: "no such command"},
		},
	}
	commands := []string{"/bin/true", "/bin/false", "echo should-not-run"}

	err := RunPostUp(context.Background(), fake, zerolog.Nop(), commands)

	require.Error(t, err)
	assert.Equal(t, xerrors.KindPostUpFailed, xerrors.KindOf(err))

	var failure *xerrors.PostUpFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, failure.Index)
	assert.Equal(t, "/bin/false", failure.Command)
	assert.Equal(t, 1, failure.ExitCode)
	assert.Equal(t, "no such command", failure.Stderr)

	assert.Equal(t, []string{"/bin/true", "/bin/false"}, fake.ran, "the third command must never run")
}

func TestRunPostUpPropagatesTransportError(t *testing.T) {
	fake := &fakeRunner{
		results: []scriptedResult{
			{err: xerrors.Newf(xerrors.KindSessionDead, "session is not connected")},
		},
	}

	err := RunPostUp(context.Background(), fake, zerolog.Nop(), []string{"echo hi"})

	require.Error(t, err)
	assert.Equal(t, xerrors.KindSessionDead, xerrors.KindOf(err))
}

func TestRunPostUpEmptyListIsNoOp(t *testing.T) {
	fake := &fakeRunner{}
	err := RunPostUp(context.Background(), fake, zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Empty(t, fake.ran)
}

func TestRunPreDownRunsEveryCommandDespiteFailures(t *testing.T) {
	fake := &fakeRunner{
		results: []scriptedResult{
			{exitCode: 1, stderr: "rule not found"},
			{err: xerrors.Newf(xerrors.KindSessionDead, "session is not connected")},
			{exitCode: 0},
		},
	}
	commands := []string{
		"iptables -t nat -D POSTROUTING -o eth0 -j MASQUERADE",
		"sysctl -w net.ipv4.ip_forward=0",
		"/bin/true",
	}

	RunPreDown(context.Background(), fake, zerolog.Nop(), commands)

	assert.Equal(t, commands, fake.ran, "every pre_down command must run exactly once regardless of earlier failures")
}

func TestRunPreDownEmptyListIsNoOp(t *testing.T) {
	fake := &fakeRunner{}
	RunPreDown(context.Background(), fake, zerolog.Nop(), nil)
	assert.Empty(t, fake.ran)
}
