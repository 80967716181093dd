// Package feed provides the push-based subscription to the remote message
// log, backed by NATS JetStream.
package feed

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/unibook/chatsync/pkg/logger"
	"github.com/unibook/chatsync/pkg/metrics"
)

// Config holds message log connection configuration.
type Config struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string

	// Reconnect backoff for the top-level connection. The delay doubles per
	// attempt from Initial up to Ceiling; there is no retry cap, but the
	// offline state is reported while disconnected.
	ReconnectInitial time.Duration
	ReconnectCeiling time.Duration
}

// StatusFunc is invoked when the top-level connection goes up or down.
type StatusFunc func(online bool)

// Client wraps the NATS connection and JetStream context.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *logger.Logger
	online atomic.Bool

	statusMu sync.Mutex
	onStatus StatusFunc
}

// Connect establishes a connection to the message log.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	c := &Client{logger: log}

	initial := cfg.ReconnectInitial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	ceiling := cfg.ReconnectCeiling
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			metrics.FeedReconnectsTotal.Inc()
			delay := initial
			for i := 0; i < attempts && delay < ceiling; i++ {
				delay *= 2
			}
			if delay > ceiling {
				delay = ceiling
			}
			return delay
		}),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("message log disconnected", "error", err)
			c.setOnline(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("message log reconnected", "url", nc.ConnectedUrl())
			c.setOnline(true)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("message log error", "error", err)
		}),
	}

	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to message log: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c.conn = nc
	c.js = js
	c.online.Store(true)
	return c, nil
}

// SetStatusFunc registers the connectivity callback. Reconnect handlers fire
// from NATS goroutines, so registration after Connect is safe.
func (c *Client) SetStatusFunc(fn StatusFunc) {
	c.statusMu.Lock()
	c.onStatus = fn
	c.statusMu.Unlock()
}

// Close closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Client) setOnline(online bool) {
	if c.online.Swap(online) == online {
		return
	}
	c.statusMu.Lock()
	fn := c.onStatus
	c.statusMu.Unlock()
	if fn != nil {
		fn(online)
	}
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
