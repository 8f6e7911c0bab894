// Command memcached runs a memcached-protocol server backed by the flat
// storage engine.
package main

import (
	"net"
	"os"

	memcached "github.com/skipor/flatcache"
	"github.com/skipor/flatcache/cache"
	"github.com/skipor/flatcache/config"
	"github.com/skipor/flatcache/log"
)

func main() {
	settings, err := config.Parse(os.Args[1:])
	if err != nil {
		println("flatcache:", err.Error())
		os.Exit(2)
	}

	l := log.NewLogger(settings.LogLevel)

	c, err := cache.New(settings.Flat, settings, nil)
	if err != nil {
		l.Fatal("Build cache: ", err)
	}
	defer c.Close()

	meta := memcached.NewConnMeta(c, c.Pool(), int(settings.Flat.MaxItemSize))

	ln, err := net.Listen("tcp", settings.ListenAddr)
	if err != nil {
		l.Fatal("Listen: ", err)
	}
	l.Infof("Listening on %s.", settings.ListenAddr)

	memcached.Serve(l, meta, ln)
}
