// Package socks5 implements the CONNECT-only subset of RFC 1928 that x2ssh's
// SOCKS5 mode needs: NO AUTHENTICATION REQUIRED negotiation, the CONNECT
// command forwarded over the shared SSH session, and a 0x07 (command not
// supported) reply for BIND and UDP ASSOCIATE.
package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tokarevart/x2ssh/internal/xerrors"
)

const (
	version5 = 0x05

	authNone           = 0x00
	authNoAcceptable   = 0xFF
	cmdConnect         = 0x01
	cmdBind            = 0x02
	cmdUDPAssociate    = 0x03
	atypIPv4           = 0x01
	atypDomain         = 0x03
	atypIPv6           = 0x04

	replySucceeded           = 0x00
	replyGeneralFailure      = 0x01
	replyHostUnreachable     = 0x04
	replyConnectionRefused   = 0x05
	replyCommandNotSupported = 0x07
)

// Dialer opens a connection to (host, port) as seen by the far side of the
// tunnel. sshtransport.Transport.OpenDirectTCPIP satisfies this.
type Dialer interface {
	OpenDirectTCPIP(ctx context.Context, host string, port uint16) (io.ReadWriteCloser, error)
}

// Server accepts SOCKS5 clients on a local listener and forwards each
// CONNECT request through Dialer.
type Server struct {
	listener net.Listener
	dialer   Dialer
	log      zerolog.Logger
}

// Listen starts listening on addr (e.g. "127.0.0.1:1080"). The listener is
// long-lived across SSH reconnects: the supervisor keeps one Server alive
// and swaps only the Dialer underneath, via SetDialer.
func Listen(addr string, dialer Dialer, log zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.New(xerrors.KindNetworkError, err)
	}
	return &Server{listener: ln, dialer: dialer, log: log}, nil
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// SetDialer swaps the forwarding target, used by the supervisor after a
// reconnect without tearing down the listener (and thus without dropping
// clients that are mid-negotiation).
func (s *Server) SetDialer(d Dialer) { s.dialer = d }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each connection is handled in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return xerrors.New(xerrors.KindNetworkError, err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	id := uuid.New()
	log := s.log.With().Str("conn_id", id.String()).Logger()
	defer conn.Close()

	if err := negotiateAuth(conn); err != nil {
		log.Debug().Err(err).Msg("socks5 auth negotiation failed")
		return
	}

	cmd, host, port, err := readRequest(conn)
	if err != nil {
		log.Debug().Err(err).Msg("socks5 request parse failed")
		return
	}

	if cmd != cmdConnect {
		writeReply(conn, replyCommandNotSupported)
		log.Debug().Uint8("cmd", cmd).Msg("socks5 command not supported")
		return
	}

	target, err := s.dialer.OpenDirectTCPIP(ctx, host, port)
	if err != nil {
		log.Warn().Err(err).Str("host", host).Uint16("port", port).Msg("socks5 upstream dial failed")
		writeReply(conn, mapDialErrorToReply(err))
		return
	}
	defer target.Close()

	if err := writeReply(conn, replySucceeded); err != nil {
		return
	}

	log.Debug().Str("host", host).Uint16("port", port).Msg("socks5 connect established")
	pump(conn, target)
}

func mapDialErrorToReply(err error) byte {
	switch xerrors.KindOf(err) {
	case xerrors.KindChannelOpenRefused:
		return replyConnectionRefused
	case xerrors.KindNetworkError:
		return replyHostUnreachable
	default:
		return replyGeneralFailure
	}
}

// negotiateAuth reads the client's greeting and replies with NO
// AUTHENTICATION REQUIRED, or 0xFF if the client didn't offer it.
func negotiateAuth(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return err
	}
	if header[0] != version5 {
		return fmt.Errorf("unsupported socks version %d", header[0])
	}
	nmethods := int(header[1])
	methods := make([]byte, nmethods)
	if nmethods > 0 {
		if _, err := io.ReadFull(conn, methods); err != nil {
			return err
		}
	}

	offered := false
	for _, m := range methods {
		if m == authNone {
			offered = true
			break
		}
	}
	if !offered {
		conn.Write([]byte{version5, authNoAcceptable})
		return fmt.Errorf("client did not offer no-auth")
	}

	_, err := conn.Write([]byte{version5, authNone})
	return err
}

// readRequest reads the SOCKS5 request (VER CMD RSV ATYP DST.ADDR DST.PORT)
// and resolves it to a host string and port.
func readRequest(conn net.Conn) (cmd byte, host string, port uint16, err error) {
	header := make([]byte, 4)
	if _, err = io.ReadFull(conn, header); err != nil {
		return 0, "", 0, err
	}
	if header[0] != version5 {
		return 0, "", 0, fmt.Errorf("unsupported socks version %d", header[0])
	}
	cmd = header[1]
	atyp := header[3]

	switch atyp {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err = io.ReadFull(conn, addr); err != nil {
			return 0, "", 0, err
		}
		host = net.IP(addr).String()
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err = io.ReadFull(conn, addr); err != nil {
			return 0, "", 0, err
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err = io.ReadFull(conn, lenBuf); err != nil {
			return 0, "", 0, err
		}
		domain := make([]byte, lenBuf[0])
		if _, err = io.ReadFull(conn, domain); err != nil {
			return 0, "", 0, err
		}
		host = string(domain)
	default:
		return 0, "", 0, fmt.Errorf("unsupported address type %d", atyp)
	}

	portBuf := make([]byte, 2)
	if _, err = io.ReadFull(conn, portBuf); err != nil {
		return 0, "", 0, err
	}
	port = binary.BigEndian.Uint16(portBuf)

	return cmd, host, port, nil
}

// writeReply sends a reply with a 0.0.0.0:0 BND.ADDR/BND.PORT — we can't
// report the real bound address because the connection was opened on the
// far side of the SSH session, not locally.
func writeReply(conn net.Conn, replyCode byte) error {
	reply := []byte{version5, replyCode, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}

// pump bridges conn and target bidirectionally until either side closes,
// half-closing the TCP connection so the other direction can still drain.
func pump(conn net.Conn, target io.ReadWriteCloser) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(target, conn)
		if c, ok := target.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		} else {
			target.Close()
		}
		done <- struct{}{}
	}()

	go func() {
		io.Copy(conn, target)
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite()
		} else {
			conn.Close()
		}
		done <- struct{}{}
	}()

	<-done
	<-done
}
