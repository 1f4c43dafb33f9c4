// Package vpnhooks runs the server-side PostUp/PreDown shell command
// sequences over an established SSH session. PostUp is strict: the first
// non-zero exit aborts the whole sequence and the session. PreDown is
// best-effort: every command runs regardless of prior failures, since it
// only ever executes during teardown.
package vpnhooks

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tokarevart/x2ssh/internal/xerrors"
)

// Runner is the subset of sshtransport.Transport the hook runner needs.
type Runner interface {
	RunExec(ctx context.Context, cmd string) (exitCode int, stderr string, err error)
}

// RunPostUp executes commands in order over conn. It stops at the first
// command that fails to start, or the first that exits non-zero, and
// returns a *xerrors.PostUpFailure in the latter case so the caller can
// report the offending index, exit code, and stderr.
func RunPostUp(ctx context.Context, conn Runner, log zerolog.Logger, commands []string) error {
	for i, cmd := range commands {
		log.Debug().Int("index", i).Str("cmd", cmd).Msg("running post_up command")

		exitCode, stderr, err := conn.RunExec(ctx, cmd)
		if err != nil {
			return err
		}
		if exitCode != 0 {
			return xerrors.New(xerrors.KindPostUpFailed, &xerrors.PostUpFailure{
				Index:    i,
				Command:  cmd,
				ExitCode: exitCode,
				Stderr:   stderr,
			})
		}
	}
	return nil
}

// RunPreDown executes commands in order over conn, logging but ignoring any
// failure so that every command in the list gets a chance to run. It never
// returns an error: PreDown failures must not block the rest of teardown.
func RunPreDown(ctx context.Context, conn Runner, log zerolog.Logger, commands []string) {
	for i, cmd := range commands {
		log.Debug().Int("index", i).Str("cmd", cmd).Msg("running pre_down command")

		exitCode, stderr, err := conn.RunExec(ctx, cmd)
		switch {
		case err != nil:
			log.Warn().Err(err).Int("index", i).Str("cmd", cmd).Msg("pre_down command failed to run, continuing")
		case exitCode != 0:
			log.Warn().Int("index", i).Int("exit_code", exitCode).Str("cmd", cmd).Str("stderr", stderr).
				Msg("pre_down command exited non-zero, continuing")
		}
	}
}
