//go:build !linux

package server

import "github.com/rs/zerolog"

// logListenBacklog logs the listen address (non-Linux systems)
func logListenBacklog(logger zerolog.Logger, addr string) {
	logger.Info().Str("addr", addr).Msg("TCP server listening")
}

// monitorListenOverflows waits for shutdown; the counter is Linux-only
func (s *Server) monitorListenOverflows() {
	defer s.wg.Done()
	<-s.shutdown
}
