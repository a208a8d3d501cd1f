package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aeolun/relay/pkg/client"
	"github.com/aeolun/relay/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

const botPassword = "loadtest"

var loremWords = strings.Fields(loremIpsum)

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	messagesSeen      atomic.Int64 // chat lines from other bots
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64

	// Detailed failure tracking
	rateLimited    atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordRateLimited() {
	s.messagesFailed.Add(1)
	s.rateLimited.Add(1)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}

	return
}

// BotClient is one simulated user
type BotClient struct {
	id       int
	username string
	peers    []string
	conn     *client.Client
	stats    *Stats
	logger   zerolog.Logger
}

func NewBotClient(ctx context.Context, id int, serverAddr, prefix string, peers []string, stats *Stats, logger zerolog.Logger) (*BotClient, error) {
	conn, err := client.Dial(ctx, serverAddr)
	if err != nil {
		return nil, err
	}

	username := botName(prefix, id)
	return &BotClient{
		id:       id,
		username: username,
		peers:    peers,
		conn:     conn,
		stats:    stats,
		logger:   logger.With().Int("bot", id).Str("username", username).Logger(),
	}, nil
}

func botName(prefix string, id int) string {
	return fmt.Sprintf("%s%04d", prefix, id)
}

// Login registers the bot (an existing account from an earlier run is fine)
// and logs in
func (bc *BotClient) Login() error {
	if err := bc.conn.Register(bc.username, botPassword); err != nil {
		return err
	}
	res, err := bc.conn.Expect(protocol.TypeRegisterResult, 5*time.Second, protocol.TypeUserList)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if !res.OK && res.Reason != protocol.ReasonUsernameExists {
		return fmt.Errorf("register rejected: %s", res.Reason)
	}

	if err := bc.conn.Login(bc.username, botPassword); err != nil {
		return err
	}
	res, err = bc.conn.Expect(protocol.TypeLoginResult, 5*time.Second, protocol.TypeUserList)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("login rejected: %s", res.Reason)
	}
	return nil
}

func randomText() string {
	// 5-20 words
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// PostRandomMessage sends a broadcast (90%) or a private message to a random
// peer (10%) and waits for the server's echo
func (bc *BotClient) PostRandomMessage() error {
	text := randomText()
	start := time.Now()

	wantType := protocol.TypeMessage
	var err error
	if len(bc.peers) > 1 && rand.Float32() < 0.1 {
		wantType = protocol.TypePrivate
		err = bc.conn.Private(bc.peers[rand.Intn(len(bc.peers))], text)
	} else {
		err = bc.conn.Chat(text)
	}
	if err != nil {
		bc.stats.recordDisconnection()
		return err
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		env, err := bc.conn.ReceiveTimeout(time.Until(deadline))
		switch {
		case errors.Is(err, client.ErrTimeout):
			bc.stats.recordTimeout()
			return err
		case err != nil:
			bc.stats.recordDisconnection()
			return err
		}

		switch env.Type {
		case protocol.TypeError:
			if env.Error == protocol.ErrorRateLimited {
				bc.stats.recordRateLimited()
				return nil
			}
			return fmt.Errorf("server error: %s", env.Error)
		case protocol.TypeMessage, protocol.TypePrivate:
			if env.Type == wantType && env.From == bc.username && env.Text == text {
				bc.stats.recordSuccess(time.Since(start).Microseconds())
				return nil
			}
			bc.stats.messagesSeen.Add(1)
		}
	}
}

func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer bc.conn.Close()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.PostRandomMessage(); err != nil {
			if isDisconnect(err) {
				bc.logger.Warn().Err(err).Msg("Disconnected")
				return
			}
			bc.logger.Debug().Err(err).Msg("Post failed")
		}

		// Random delay between posts
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-ctx.Done():
		}
	}

	bc.conn.Logout()
	time.Sleep(100 * time.Millisecond)
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset")
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:9000", "Server address (host:port, ws://host:port/ws)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	prefix := flag.String("prefix", "bot", "Username prefix for bots")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	if *numClients <= 0 {
		logger.Fatal().Int("clients", *numClients).Msg("Need at least one client")
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := max(rampUpDuration/time.Duration(*numClients), time.Millisecond)

	logger.Info().
		Str("server", *serverAddr).
		Int("clients", *numClients).
		Dur("duration", *duration).
		Dur("ramp_up", rampUpDuration).
		Dur("min_delay", *minDelay).
		Dur("max_delay", *maxDelay).
		Msg("Starting load test")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	peers := make([]string, *numClients)
	for i := range peers {
		peers[i] = botName(*prefix, i)
	}

	stats := &Stats{}
	var wg sync.WaitGroup
	startTime := time.Now()

	// Start stats reporter
	statsCtx, stopStats := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				logger.Info().
					Int64("posted", posted).
					Float64("rate", float64(posted)/elapsed).
					Int64("failed", failed).
					Int64("conn_errors", connErrors).
					Int64("seen", stats.messagesSeen.Load()).
					Float64("avg_ms", avgUs/1000.0).
					Msg("Stats")
			case <-statsCtx.Done():
				return
			}
		}
	}()

	// Spawn clients
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int) {
			defer wg.Done()

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			bot, err := NewBotClient(dialCtx, id, *serverAddr, *prefix, peers, stats, logger)
			cancel()
			if err != nil {
				stats.connectionErrors.Add(1)
				logger.Debug().Err(err).Int("bot", id).Msg("Connect failed")
				return
			}

			if err := bot.Login(); err != nil {
				stats.connectionErrors.Add(1)
				bot.logger.Debug().Err(err).Msg("Login failed")
				bot.conn.Close()
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				bot.logger.Info().Msg("Connected")
			}

			bot.Run(ctx, *duration, *minDelay, *maxDelay, shutdownDelay)
		}(i)

		select {
		case <-time.After(staggerDelay):
		case <-ctx.Done():
			break spawn
		}
	}

	wg.Wait()
	stopStats()

	// Final stats
	posted, failed, connErrors, avgUs := stats.snapshot()
	elapsed := time.Since(startTime)

	// Expected throughput
	avgDelay := (*minDelay + *maxDelay) / 2
	expectedPerClient := float64(*duration) / float64(max(avgDelay, time.Millisecond))
	expectedTotal := expectedPerClient * float64(*numClients)

	event := logger.Info().
		Dur("elapsed", elapsed).
		Int64("posted", posted).
		Float64("rate", float64(posted)/elapsed.Seconds()).
		Int64("failed", failed).
		Int64("rate_limited", stats.rateLimited.Load()).
		Int64("timeouts", stats.timeouts.Load()).
		Int64("disconnections", stats.disconnections.Load()).
		Int64("conn_errors", connErrors).
		Int64("seen", stats.messagesSeen.Load()).
		Float64("avg_ms", avgUs/1000.0).
		Float64("efficiency_pct", float64(posted)/expectedTotal*100)
	if posted+failed > 0 {
		event = event.Float64("success_pct", float64(posted)/float64(posted+failed)*100)
	}
	event.Msg("Final results")
}
