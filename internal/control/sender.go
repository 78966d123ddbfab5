package control

import (
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// sendLinger lets queued messages reach the daemon after Close.
const sendLinger = 2 * time.Second

// Sender pushes control messages to a daemon
type Sender struct {
	socket *zmq.Socket
}

// NewSender creates a PUSH socket connected to endpoint
func NewSender(endpoint string) (*Sender, error) {
	socket, err := zmq.NewSocket(zmq.PUSH)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	if err := socket.SetLinger(sendLinger); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}

	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", endpoint, err)
	}

	return &Sender{socket: socket}, nil
}

// StartRun asks the daemon to start a run
func (s *Sender) StartRun(req StartRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode startrun: %w", err)
	}
	return s.send(TopicStartRun, payload)
}

// StopRun asks the daemon to stop the current run
func (s *Sender) StopRun() error {
	return s.send(TopicStopRun, []byte("{}"))
}

func (s *Sender) send(topic string, payload []byte) error {
	if _, err := s.socket.SendMessage(topic, payload); err != nil {
		return fmt.Errorf("failed to send %s: %w", topic, err)
	}
	return nil
}

// Close closes the ZMQ socket
func (s *Sender) Close() error {
	if s.socket != nil {
		return s.socket.Close()
	}
	return nil
}
