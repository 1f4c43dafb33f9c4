// Command x2ssh-agent is the server-side half of VPN mode. It is deployed
// and started by the client over an SSH exec channel and speaks framed IP
// packets on stdin/stdout against a TUN device it owns. It has no
// configuration file and no protocol negotiation: one positional argument,
// the TUN address in ADDR/PREFIX form.
package main

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/rs/zerolog"

	"github.com/tokarevart/x2ssh/internal/framing"
	"github.com/tokarevart/x2ssh/internal/vpntun"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).With().Timestamp().Logger()

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: x2ssh-agent ADDR/PREFIX")
		os.Exit(1)
	}

	prefix, err := netip.ParsePrefix(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid address: %v\n", err)
		os.Exit(1)
	}

	if err := run(prefix, log); err != nil {
		log.Error().Err(err).Msg("agent exiting with error")
		os.Exit(1)
	}
}

func run(prefix netip.Prefix, log zerolog.Logger) error {
	dev, err := vpntun.New(vpntun.Config{Name: "tun-x2ssh-srv", MTU: 1400})
	if err != nil {
		return fmt.Errorf("create tun handle: %w", err)
	}
	if err := dev.Create(); err != nil {
		return fmt.Errorf("allocate tun device: %w", err)
	}
	defer dev.Close()

	if err := dev.Configure(prefix); err != nil {
		return fmt.Errorf("configure tun address: %w", err)
	}
	if err := dev.Up(); err != nil {
		return fmt.Errorf("bring tun up: %w", err)
	}

	log.Info().Str("tun", dev.Name()).Str("addr", prefix.String()).Msg("agent tun ready")

	errc := make(chan error, 2)

	// stdin -> TUN: one framed packet per TUN write, never aggregated.
	go func() {
		for {
			packet, err := framing.ReadFrame(os.Stdin)
			if err != nil {
				if errors.Is(err, io.EOF) {
					errc <- nil
					return
				}
				errc <- fmt.Errorf("stdin read: %w", err)
				return
			}
			if len(packet) == 0 {
				continue
			}
			if _, err := dev.Write(packet); err != nil {
				errc <- fmt.Errorf("tun write: %w", err)
				return
			}
		}
	}()

	// TUN -> stdout: one framed packet per TUN read.
	go func() {
		out := framing.NewBufferedWriter(os.Stdout)
		buf := make([]byte, 65536)
		for {
			n, err := dev.Read(buf)
			if err != nil {
				errc <- fmt.Errorf("tun read: %w", err)
				return
			}
			if n == 0 {
				continue
			}
			if err := framing.WriteFrame(out, buf[:n]); err != nil {
				errc <- fmt.Errorf("stdout write: %w", err)
				return
			}
		}
	}()

	err = <-errc
	if err != nil {
		log.Warn().Err(err).Msg("pump terminated")
	}
	return err
}
