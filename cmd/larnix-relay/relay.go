// Command larnix-relay runs a rendezvous relay for servers that cannot be
// reached directly.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"badc0de.net/pkg/flagutil/v1"
	"github.com/golang/glog"

	"badc0de.net/pkg/go-larnix/relay"
)

var (
	port           = flag.Int("port", relay.DefaultConfig().Port, "control port")
	minPort        = flag.Int("min_port", int(relay.DefaultConfig().MinPort), "lowest listener port handed to servers")
	maxPort        = flag.Int("max_port", int(relay.DefaultConfig().MaxPort), "highest listener port handed to servers")
	perIP          = flag.Int("max_servers_per_ip", relay.DefaultConfig().MaxServersPerIP, "servers one address may register")
	global         = flag.Int("max_servers", relay.DefaultConfig().MaxServersGlobally, "servers registered at once")
	transfer       = flag.Int("max_transfer", relay.DefaultConfig().MaxTransferPerSecond, "bytes per second shared by all servers")
	serverLifetime = flag.Duration("server_lifetime", relay.DefaultConfig().ServerLifetime, "how long a server stays registered without a keepalive")
	loopback       = flag.Bool("loopback", false, "listen on loopback only")
)

func main() {
	flagutil.Parse()

	cfg := relay.DefaultConfig()
	cfg.Port = *port
	cfg.MinPort = uint16(*minPort)
	cfg.MaxPort = uint16(*maxPort)
	cfg.MaxServersPerIP = *perIP
	cfg.MaxServersGlobally = *global
	cfg.MaxTransferPerSecond = *transfer
	cfg.ServerLifetime = *serverLifetime
	cfg.Loopback = *loopback

	r, err := relay.New(cfg)
	if err != nil {
		glog.Exit(err)
	}
	glog.Infof("relay listening on port %d, listeners %d-%d", r.Port(), cfg.MinPort, cfg.MaxPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				glog.V(1).Infof("%d servers registered", r.Servers())
			}
		}
	}()

	if err := r.Run(ctx); err != nil {
		glog.Errorf("relay stopped: %s", err)
	}
	if err := r.Close(); err != nil {
		glog.Error(err)
	}
}
