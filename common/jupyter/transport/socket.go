package transport

import (
	"fmt"

	"github.com/go-zeromq/zmq4"

	"github.com/edklab/kernel-bridge/common/jupyter/messaging"
)

// Socket binds one logical channel to its underlying zmq4 socket.
type Socket struct {
	zmq4.Socket

	Port    int
	Channel messaging.Channel
	Name    string
}

func NewSocket(socket zmq4.Socket, port int, channel messaging.Channel, name string) *Socket {
	return &Socket{
		Socket:  socket,
		Port:    port,
		Channel: channel,
		Name:    name,
	}
}

func (s *Socket) String() string {
	return fmt.Sprintf("%s(%d)", s.Channel, s.Port)
}
