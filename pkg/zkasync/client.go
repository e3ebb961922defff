package zkasync

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/samuel/go-zookeeper/zk"
	log "github.com/sirupsen/logrus"
	"github.com/thinker0/go.statsd"
	"gopkg.in/yaml.v2"
)

// DefaultZKTimeout is the zookeeper session timeout used if it is not overwritten.
var DefaultZKTimeout = 5 * time.Second

// StatsPrefix is prepended to the metrics a Client sends to StatsD.
var StatsPrefix = "zkasync"

// Config describes how to reach the ZooKeeper ensemble.
type Config struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// StatsdAddress is the host:port create metrics are sent to. Metrics are
	// discarded when it is empty.
	StatsdAddress string `yaml:"statsd_address"`
}

// LoadConfig decodes a YAML config and fills in defaults.
func LoadConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}
	if err := yaml.NewDecoder(r).Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decode zookeeper config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return &ConfigurationError{Field: "servers", Rule: "at least one server is required"}
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultZKTimeout
	}
	if c.SessionTimeout < 0 {
		return configErrorf("session_timeout", "%v is negative", c.SessionTimeout)
	}
	return nil
}

// Client owns a ZooKeeper connection and hands out create builders bound to it.
//
// The connection is a *zk.Conn, which has neither CreateTTL nor CreateContainer. Creates
// in a TTL mode therefore always fail with ErrTTLUnsupported, and parents requested as
// containers are created as persistent nodes.
type Client struct {
	conn      *zk.Conn
	transport *ZKTransport
	stats     statsd.Stater
	done      chan struct{}
}

// Connect dials the ensemble described by cfg. See Client for the create modes the
// connection cannot serve.
func Connect(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var stats statsd.Stater = statsd.NoopClient{}
	if cfg.StatsdAddress != "" {
		remote, err := statsd.New(cfg.StatsdAddress, StatsPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "connect to statsd")
		}
		stats = remote
	}
	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout)
	if err != nil {
		stats.Close()
		return nil, errors.Wrap(err, "connect to zookeeper")
	}
	c := &Client{
		conn:      conn,
		transport: NewZKTransport(conn, WithStater(stats)),
		stats:     stats,
		done:      make(chan struct{}),
	}
	go c.logSessionEvents(events)
	return c, nil
}

func (c *Client) logSessionEvents(events <-chan zk.Event) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type != zk.EventSession {
				continue
			}
			entry := log.WithFields(log.Fields{
				"state":  event.State.String(),
				"server": event.Server,
			})
			if event.State == zk.StateExpired {
				entry.Warn("zookeeper session expired")
			} else {
				entry.Debug("zookeeper session event")
			}
		case <-c.done:
			return
		}
	}
}

// Create returns a new create builder bound to this client.
func (c *Client) Create() *CreateBuilder {
	return NewCreateBuilder(c.transport)
}

// Conn returns the underlying connection.
func (c *Client) Conn() *zk.Conn {
	return c.conn
}

// Close waits for in-flight creates and closes the connection.
func (c *Client) Close() {
	c.transport.Wait()
	close(c.done)
	c.conn.Close()
	if err := c.stats.Close(); err != nil {
		log.WithError(err).Warn("unable to close statsd client")
	}
}
