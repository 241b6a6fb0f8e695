package streamquery

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Config tunes a Behaviour and the ConnectionHandlers it creates. Mirrors
// smux's Config/DefaultConfig/VerifyConfig pattern.
type Config struct {
	// ProtocolName is the stream protocol identifier advertised on listen
	// and required on dial.
	ProtocolName string

	// SubstreamTimeout bounds upgrade latency: the time allowed for a
	// substream to be opened and its protocol/query handshake completed.
	SubstreamTimeout time.Duration

	// RateLimit optionally bounds how fast SendQuery may enqueue
	// CreateOutboundSession commands, per Behaviour. Nil disables limiting.
	RateLimit *rate.Limiter

	// Logger receives structured log entries for dropped frames, stray
	// commands, and lifecycle events. Nil falls back to a logrus.Entry
	// tagged system=streamquery, following the pattern used in
	// unclepieman-bgpmon's db package (logrus.WithField("system", "db")).
	Logger *logrus.Entry

	// acceptBacklog bounds the buffered channel of newly accepted inbound
	// substreams awaiting the connection handler's bookkeeping loop.
	acceptBacklog int
}

// DefaultConfig returns a Config with conservative, always-valid defaults.
func DefaultConfig() *Config {
	return &Config{
		ProtocolName:     "/streamquery/1.0.0",
		SubstreamTimeout: 10 * time.Second,
		acceptBacklog:    256,
	}
}

// VerifyConfig checks a Config for internal consistency, in the style of
// smux.VerifyConfig.
func VerifyConfig(config *Config) error {
	if config.ProtocolName == "" {
		return errors.New("protocol name must not be empty")
	}
	if len(config.ProtocolName) > 255 {
		return errors.New("protocol name must not exceed 255 bytes")
	}
	if config.SubstreamTimeout <= 0 {
		return errors.New("substream timeout must be positive")
	}
	return nil
}

// logger returns config.Logger, or a default tagged entry if unset.
func (c *Config) logger() *logrus.Entry {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.WithField("system", "streamquery")
}

func (c *Config) backlog() int {
	if c.acceptBacklog > 0 {
		return c.acceptBacklog
	}
	return 256
}
