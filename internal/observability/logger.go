package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// NewConsoleLogger creates a logger with human-readable output.
func NewConsoleLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stderr
	}
	return NewLogger(service, version, zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05.000"})
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// SetLevel sets the minimum level by name (debug, info, warn, error).
func (l *Logger) SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	l.logger = l.logger.Level(lvl)
	return nil
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithConn adds the connection trace id and peer address.
func (l *Logger) WithConn(traceID, peer string) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("trace_id", traceID).
			Str("peer", peer).
			Logger(),
	}
}

// WithRole adds the local role.
func (l *Logger) WithRole(role string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("role", role).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// PacketDropped logs a datagram that was not processed.
func (l *Logger) PacketDropped(from string, size int, err error) {
	l.logger.Debug().
		Str("from", from).
		Int("size", size).
		Err(err).
		Msg("packet dropped")
}

// VersionNegotiated logs a version negotiation reply.
func (l *Logger) VersionNegotiated(from string, version uint32) {
	l.logger.Debug().
		Str("from", from).
		Uint32("client_version", version).
		Msg("sent version negotiation")
}

// RetrySent logs a stateless retry.
func (l *Logger) RetrySent(from string, odcid string) {
	l.logger.Debug().
		Str("from", from).
		Str("odcid", odcid).
		Msg("sent retry with address token")
}

// AdmissionRejected logs an Initial that did not create a connection.
func (l *Logger) AdmissionRejected(from string, err error) {
	l.logger.Warn().
		Str("from", from).
		Err(err).
		Msg("connection admission rejected")
}

// ConnectionAdmitted logs a new server-side connection.
func (l *Logger) ConnectionAdmitted(traceID, from string, retried bool) {
	l.logger.Info().
		Str("trace_id", traceID).
		Str("from", from).
		Bool("address_validated", retried).
		Msg("new connection")
}

// ConnectionEstablished logs handshake completion.
func (l *Logger) ConnectionEstablished(remoteAddr string, traceID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("trace_id", traceID).
		Msg("QUIC connection established")
}

// ConnectionFailed logs connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("QUIC connection failed")
}

// ConnectionClosed logs a collected connection with its transport stats.
func (l *Logger) ConnectionClosed(traceID string, recv, sent, lost int, rtt, lifetime time.Duration) {
	l.logger.Info().
		Str("trace_id", traceID).
		Int("recv", recv).
		Int("sent", sent).
		Int("lost", lost).
		Dur("rtt", rtt).
		Float64("lifetime_seconds", lifetime.Seconds()).
		Msg("connection collected")
}

// SessionAnnounced logs the DtpConfig a peer sent or received.
func (l *Logger) SessionAnnounced(direction string, blocks uint64) {
	l.logger.Info().
		Str("direction", direction).
		Uint64("blocks", blocks).
		Msg("dtp config exchanged")
}

// BlockGenerated logs a block entering the sender queue.
func (l *Logger) BlockGenerated(id, size, priority, deadline uint64, queued int) {
	l.logger.Debug().
		Uint64("block_id", id).
		Uint64("size", size).
		Uint64("priority", priority).
		Uint64("deadline_ms", deadline).
		Int("queued", queued).
		Msg("block generated")
}

// BlockStarted logs the first write of a block.
func (l *Logger) BlockStarted(id, size uint64, stream uint64) {
	l.logger.Debug().
		Uint64("block_id", id).
		Uint64("size", size).
		Uint64("stream_id", stream).
		Msg("block transmission started")
}

// BlockSent logs a block fully handed to the transport.
func (l *Logger) BlockSent(id, size uint64) {
	l.logger.Debug().
		Uint64("block_id", id).
		Uint64("size", size).
		Msg("block sent")
}

// BlockReceived logs a completed inbound block.
func (l *Logger) BlockReceived(id, size, priority, deadline uint64, elapsed time.Duration, met bool) {
	l.logger.Info().
		Uint64("block_id", id).
		Uint64("size", size).
		Uint64("priority", priority).
		Uint64("deadline_ms", deadline).
		Float64("completion_ms", float64(elapsed.Microseconds())/1000).
		Bool("deadline_met", met).
		Msg("block received")
}

// FrameRejected logs frames the receiver dropped.
func (l *Logger) FrameRejected(stream uint64, err error) {
	l.logger.Warn().
		Uint64("stream_id", stream).
		Err(err).
		Msg("dropped invalid frames")
}

// StateChanged logs a client session transition.
func (l *Logger) StateChanged(from, to string) {
	l.logger.Info().
		Str("from", from).
		Str("to", to).
		Msg("session state changed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
