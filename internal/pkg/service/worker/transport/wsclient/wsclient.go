// Package wsclient provides the websocket connection to the orchestration server.
// Each websocket message contains one JSON encoded transport.Envelope.
package wsclient

import (
	"context"
	"net/http"

	"github.com/ccoveille/go-safecast"
	"github.com/coder/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/atomic"

	"github.com/keboola/task-worker/internal/pkg/encoding/json"
	"github.com/keboola/task-worker/internal/pkg/log"
	svcErrors "github.com/keboola/task-worker/internal/pkg/service/common/errors"
	"github.com/keboola/task-worker/internal/pkg/service/worker/config"
	"github.com/keboola/task-worker/internal/pkg/service/worker/transport"
	"github.com/keboola/task-worker/internal/pkg/telemetry"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

const NodeIDHeader = "X-Worker-Node-Id"

type Client struct {
	logger log.Logger
	url    string
	conn   *websocket.Conn
	closed *atomic.Bool
}

type dependencies interface {
	Logger() log.Logger
	Telemetry() telemetry.Telemetry
}

// Dial connects to the server, the handshake is limited by the HandshakeTimeout.
func Dial(ctx context.Context, d dependencies, cfg config.Transport, nodeID string) (*Client, error) {
	logger := d.Logger().WithComponent("transport")
	tel := d.Telemetry()

	readLimit, err := safecast.ToInt64(cfg.ReadLimit.Bytes())
	if err != nil {
		return nil, svcErrors.NewConfigError(errors.PrefixError(err, "invalid transport read limit"))
	}

	header := http.Header{}
	header.Set(NodeIDHeader, nodeID)
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithTracerProvider(tel.TracerProvider()),
			otelhttp.WithMeterProvider(tel.MeterProvider()),
		),
	}

	dialCtx, cancel := context.WithTimeoutCause(ctx, cfg.HandshakeTimeout, errors.New("websocket handshake timeout"))
	defer cancel()

	logger.Infof(ctx, `connecting to "%s"`, cfg.URL)
	conn, resp, err := websocket.Dial(dialCtx, cfg.URL, &websocket.DialOptions{HTTPClient: httpClient, HTTPHeader: header})
	if resp != nil && resp.Body != nil && err != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if cause := context.Cause(dialCtx); cause != nil && ctx.Err() == nil {
			err = cause
		}
		return nil, svcErrors.NewTransportError(errors.PrefixErrorf(err, `cannot connect to "%s"`, cfg.URL))
	}

	conn.SetReadLimit(readLimit)
	logger.Infof(ctx, `connected to "%s"`, cfg.URL)
	return &Client{logger: logger, url: cfg.URL, conn: conn, closed: atomic.NewBool(false)}, nil
}

// Receive returns the next message.
// The transport.ErrClosed is returned if the connection has been closed normally.
// An invalid message is reported by an error which is not a TransportError, the connection remains usable.
func (c *Client) Receive(ctx context.Context) (transport.Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return transport.Envelope{}, transport.ErrClosed
		}
		return transport.Envelope{}, svcErrors.NewTransportError(errors.PrefixErrorf(err, `cannot read message from "%s"`, c.url))
	}

	var msg transport.Envelope
	if err := json.Decode(data, &msg); err != nil {
		return transport.Envelope{}, errors.PrefixError(err, "cannot decode message envelope")
	}
	return msg, nil
}

// Send writes the message, it can be called concurrently.
func (c *Client) Send(ctx context.Context, msg transport.Envelope) error {
	data, err := json.Encode(msg, false)
	if err != nil {
		return errors.PrefixErrorf(err, `cannot encode "%s" message`, msg.Type)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return svcErrors.NewTransportError(errors.PrefixErrorf(err, `cannot send "%s" message to "%s"`, msg.Type, c.url))
	}
	return nil
}

// Close sends the close frame and waits for the server response.
// Only the first call closes the connection.
func (c *Client) Close(reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Infof(context.Background(), `closing connection to "%s": %s`, c.url, reason)
	if err := c.conn.Close(websocket.StatusNormalClosure, reason); err != nil && websocket.CloseStatus(err) == -1 {
		return svcErrors.NewTransportError(errors.PrefixError(err, "cannot close connection"))
	}
	return nil
}
