// Package systemd speaks the sd_notify protocol.
package systemd

import (
	"net"
	"os"

	"go.uber.org/zap"
)

// Ready tells systemd the service finished starting. It does nothing when not run by
// systemd.
func Ready() { Notify("READY=1") }

// Stopping tells systemd the service is shutting down.
func Stopping() { Notify("STOPPING=1") }

func Notify(msg string) {
	addr := notifyAddr()
	if addr == nil {
		return
	}
	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(msg)); err != nil {
		zap.L().Warn("error writing to notify socket", zap.Error(err))
	}
}

func notifyAddr() *net.UnixAddr {
	if name := os.Getenv("NOTIFY_SOCKET"); name != "" {
		return &net.UnixAddr{Name: name, Net: "unixgram"}
	}
	return nil
}
