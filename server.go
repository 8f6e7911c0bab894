package memcached

import (
	"net"

	"github.com/skipor/flatcache/log"
)

// Serve accepts connections off ln forever, spawning one goroutine per
// connection, until ln.Accept fails.
func Serve(l log.Logger, m *ConnMeta, ln net.Listener) error {
	for {
		rwc, err := ln.Accept()
		if err != nil {
			return err
		}
		go newConn(l, m, rwc).serve()
	}
}
