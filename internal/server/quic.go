package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/zeusync/zeuscollab/internal/core/observability/log"
	quictransport "github.com/zeusync/zeuscollab/internal/core/transport/quic"
)

type quicListener = quictransport.Listener

func (s *Server) listenQUIC() (*quicListener, error) {
	tlsConfig, err := s.quicTLS()
	if err != nil {
		return nil, fmt.Errorf("%w: quic tls: %v", ErrListenerFailed, err)
	}

	cfg := quictransport.DefaultConfig()
	cfg.TLSConfig = tlsConfig
	cfg.MaxFrameSize = int(s.config.ReadLimit)

	ln, err := quictransport.Listen(s.config.QUICAddr, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}
	s.logger.Info("QUIC listening", log.String("addr", ln.Addr().String()))
	return ln, nil
}

// quicTLS loads the configured key pair, falling back to a self-signed
// certificate for the listen host.
func (s *Server) quicTLS() (*tls.Config, error) {
	if s.config.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
		if err != nil {
			return nil, err
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{quictransport.NextProto},
			MinVersion:   tls.VersionTLS13,
		}, nil
	}

	host, _, err := net.SplitHostPort(s.config.QUICAddr)
	if err != nil || host == "" {
		host = "localhost"
	}
	s.logger.Warn("Using a self-signed QUIC certificate", log.String("host", host))
	return quictransport.SelfSignedTLS(host)
}

// acceptQUIC hands every accepted QUIC channel to the registry until ctx is
// done.
func (s *Server) acceptQUIC(ctx context.Context, ln *quicListener) {
	s.logger.Debug("QUIC acceptor started")
	defer s.logger.Debug("QUIC acceptor stopped")

	for {
		ch, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() {
				return
			}
			s.logger.Error("Failed to accept QUIC connection", log.Error(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		id, err := s.registry.Accept(ch)
		if err != nil {
			s.logger.Warn("Rejected QUIC connection", log.Error(err))
			continue
		}
		s.logger.Info("Client connected",
			log.String("connection_id", id.String()),
			log.String("transport", "quic"),
			log.String("remote_addr", ch.RemoteAddr().String()))
	}
}
