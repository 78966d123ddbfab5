package control

import (
	"context"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gocm/pkg/log"
)

// pollTimeout bounds how long Listen waits before rechecking ctx.
const pollTimeout = 250 * time.Millisecond

// Listener receives control messages on a bound PULL socket
type Listener struct {
	socket   *zmq.Socket
	poller   *zmq.Poller
	endpoint string
	logger   *log.Logger
}

// NewListener creates a PULL socket bound to endpoint
func NewListener(endpoint string, logger *log.Logger) (*Listener, error) {
	socket, err := zmq.NewSocket(zmq.PULL)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}

	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to bind ZMQ endpoint %s: %w", endpoint, err)
	}

	poller := zmq.NewPoller()
	poller.Add(socket, zmq.POLLIN)

	logger = logger.WithComponent("control")
	logger.Info("control listener bound", "endpoint", endpoint)

	return &Listener{
		socket:   socket,
		poller:   poller,
		endpoint: endpoint,
		logger:   logger,
	}, nil
}

// Listen dispatches control messages to c until ctx is done. The socket is
// only touched from this goroutine; call Close after Listen returns.
func (l *Listener) Listen(ctx context.Context, c Controller) error {
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("control listener stopping")
			return ctx.Err()
		default:
		}

		polled, err := l.poller.Poll(pollTimeout)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return err
			}
			l.logger.Error("failed to poll control socket", "error", err)
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := l.socket.RecvMessageBytes(0)
		if err != nil {
			l.logger.Error("failed to receive control message", "error", err)
			continue
		}

		l.logger.Debug("received control message", "topic", string(msg[0]), "parts", len(msg))

		runID, err := Dispatch(ctx, c, msg)
		if err != nil {
			l.logger.WithError(err).Warn("control message rejected", "topic", string(msg[0]))
			continue
		}
		if runID != "" {
			l.logger.Info("run started from control message", "run_id", runID)
		}
	}
}

// Endpoint returns the bound endpoint
func (l *Listener) Endpoint() string {
	return l.endpoint
}

// Close closes the ZMQ socket
func (l *Listener) Close() error {
	if l.socket != nil {
		return l.socket.Close()
	}
	return nil
}
