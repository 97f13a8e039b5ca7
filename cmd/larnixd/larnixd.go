// Command larnixd runs a game transport server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"badc0de.net/pkg/flagutil/v1"
	"github.com/common-nighthawk/go-figure"
	"github.com/golang/glog"

	"badc0de.net/pkg/go-larnix/commands"
	"badc0de.net/pkg/go-larnix/game"
	tnet "badc0de.net/pkg/go-larnix/net"
	"badc0de.net/pkg/go-larnix/paths"
	"badc0de.net/pkg/go-larnix/secrets"
	"badc0de.net/pkg/go-larnix/server"
	"badc0de.net/pkg/go-larnix/userdb"
)

var (
	dataDir string

	port              = flag.Int("port", 0, "UDP port; 0 tries the preferred port, then dynamic ones")
	maxClients        = flag.Int("max_clients", 10, "maximum connected players")
	loopback          = flag.Bool("loopback", false, "listen on loopback only")
	ipv4Only          = flag.Bool("ipv4_only", false, "do not open an IPv6 socket")
	motd              = flag.String("motd", "", "message of the day sent in server info")
	hostUser          = flag.String("host_user", "", "nickname of the hosting player")
	allowRegistration = flag.Bool("allow_registration", true, "let unknown nicknames register")
	relayAddress      = flag.String("relay", "", "relay to register with, host[:port]")
	relayTranslate    = flag.Bool("relay_translate", true, "give relayed peers a 240.0.0.0/4 stand-in address")
	tickRate          = flag.Duration("tick", 20*time.Millisecond, "server tick period")
	banner            = flag.Bool("banner", true, "print the startup banner")

	debugWebServer = flag.String("debug_web_server_listen_address", "", "where the debug server will listen")
)

func main() {
	paths.SetupDataDirFlag(secrets.PrivateKeyFile, "data_dir", &dataDir)
	flagutil.Parse()

	if *banner {
		figure.NewFigure("larnix", "", true).Print()
	}
	glog.Infoln("starting larnixd")

	dir, err := paths.Ensure(dataDir)
	if err != nil {
		glog.Exit(err)
	}
	users, err := userdb.Open(filepath.Join(dir, userdb.FileName))
	if err != nil {
		glog.Exit(err)
	}
	defer users.Close()

	policies, err := game.Policies()
	if err != nil {
		glog.Exit(err)
	}

	cfg := server.DefaultConfig()
	cfg.Port = *port
	cfg.MaxClients = *maxClients
	cfg.Loopback = *loopback
	cfg.IPv4Only = *ipv4Only
	cfg.DataDir = dir
	cfg.Motd = *motd
	cfg.HostUser = *hostUser
	cfg.AllowRegistration = *allowRegistration
	cfg.TranslateRelay = *relayTranslate
	cfg.Users = users
	cfg.Policies = policies

	srv, err := server.New(cfg)
	if err != nil {
		glog.Exit(err)
	}
	defer srv.Close()
	glog.Infof("authcode: %s", srv.Authcode())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *relayAddress != "" {
		p, err := srv.ConfigureRelay(ctx, *relayAddress)
		if err != nil {
			glog.Errorf("relay %s unavailable: %s", *relayAddress, err)
		} else {
			glog.Infof("reachable through relay %s on port %d", *relayAddress, p)
		}
	}

	if err := echoGame(srv); err != nil {
		glog.Exit(err)
	}

	if *debugWebServer != "" {
		go serveDebug(*debugWebServer, srv)
	}

	t := time.NewTicker(*tickRate)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			glog.Infoln("shutting down")
			return
		case now := <-t.C:
			srv.Tick(now.Sub(last))
			last = now
		}
	}
}

// echoGame forwards every player's game messages to everyone else.
func echoGame(srv *server.Server) error {
	for _, g := range []struct {
		msg      commands.Payload
		reliable bool
	}{
		{&game.PlayerUpdate{}, false},
		{&game.BlockChange{}, true},
	} {
		id, err := commands.Default.IDOf(g.msg)
		if err != nil {
			return err
		}
		reliable := g.reliable
		srv.Subscribe(id, func(nick string, m *tnet.Message) {
			for _, other := range srv.Players() {
				if other == nick {
					continue
				}
				if err := srv.Send(other, m, reliable); err != nil {
					glog.V(2).Infof("forwarding to %s: %s", other, err)
				}
			}
		})
	}
	return nil
}
