package main

import "github.com/oxen-io/storagesvc/internal/transport"

// pushSender adapts transport.Server.Push into internal/subscribe.Sender.
type pushSender struct {
	srv *transport.Server
}

func (p pushSender) Send(connectionHandle string, frame []byte) error {
	return p.srv.Push(connectionHandle, frame)
}
