//go:build linux

package server

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	somaxconnPath     = "/proc/sys/net/core/somaxconn"
	netstatPath       = "/proc/net/netstat"
	lowBacklogWarning = 4096
	overflowInterval  = 10 * time.Second
)

// logListenBacklog logs the kernel's listen backlog limit. A login storm
// from many clients can overflow a small accept queue.
func logListenBacklog(logger zerolog.Logger, addr string) {
	somaxconn := 0
	if data, err := os.ReadFile(somaxconnPath); err == nil {
		somaxconn, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	}

	logger.Info().Str("addr", addr).Int("somaxconn", somaxconn).Msg("TCP server listening")
	if somaxconn > 0 && somaxconn < lowBacklogWarning {
		logger.Warn().
			Int("somaxconn", somaxconn).
			Msg("Kernel listen backlog may be too low for bursts of logins; consider sysctl -w net.core.somaxconn=65535")
	}
}

// monitorListenOverflows warns whenever the kernel drops connections because
// the accept queue was full
func (s *Server) monitorListenOverflows() {
	defer s.wg.Done()

	ticker := time.NewTicker(overflowInterval)
	defer ticker.Stop()

	last := readListenOverflows()
	for {
		select {
		case <-ticker.C:
			current := readListenOverflows()
			if current > last {
				s.logger.Warn().
					Uint64("rejected", current-last).
					Uint64("total", current).
					Msg("Connections rejected due to listen backlog overflow")
			}
			last = current
		case <-s.shutdown:
			return
		}
	}
}

func readListenOverflows() uint64 {
	f, err := os.Open(netstatPath)
	if err != nil {
		return 0
	}
	defer f.Close()
	return parseNetstat(f)["TcpExt:ListenOverflows"]
}

// parseNetstat reads the header/value line pairs of /proc/net/netstat into a
// map keyed "Section:Field"
func parseNetstat(r io.Reader) map[string]uint64 {
	out := make(map[string]uint64)
	scanner := bufio.NewScanner(r)

	var header []string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			header = nil
			continue
		}
		if header == nil || header[0] != fields[0] {
			header = fields
			continue
		}

		section := strings.TrimSuffix(fields[0], ":")
		for i := 1; i < len(fields) && i < len(header); i++ {
			if v, err := strconv.ParseUint(fields[i], 10, 64); err == nil {
				out[section+":"+header[i]] = v
			}
		}
		header = nil
	}
	return out
}
