// Command larnix-probe queries a server: it prints its information, checks
// the server key against an authcode and optionally tries credentials or
// holds a connection open to measure round trips.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"badc0de.net/pkg/flagutil/v1"
	"github.com/golang/glog"
	"github.com/gookit/color"
	"github.com/pkg/errors"
	"golang.org/x/term"

	"badc0de.net/pkg/go-larnix/client"
)

var (
	address     = flag.String("address", "localhost", "server host[:port]")
	code        = flag.String("authcode", "", "server authcode")
	nickname    = flag.String("nick", "probe", "nickname")
	tryLogin    = flag.Bool("login", false, "check the password without connecting")
	newPassword = flag.String("new_password", "", "change the password to this on a successful login")
	connect     = flag.Duration("connect", 0, "stay connected this long and report round trips")
	timeout     = flag.Duration("timeout", 5*time.Second, "overall timeout of the prompts")
)

func main() {
	flagutil.Parse()
	flag.Set("logtostderr", "true")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	t, err := client.FetchTicket(ctx, *address, *code, *nickname)
	if err != nil {
		color.Error.Printf("%s: %s\n", *address, err)
		os.Exit(1)
	}
	color.Success.Printf("%s is the server behind %s\n", *address, *code)
	fmt.Printf("  players     %d/%d\n", t.Info.CurrentPlayers, t.Info.MaxPlayers)
	fmt.Printf("  version     %d\n", t.Info.GameVersion)
	fmt.Printf("  motd        %s\n", t.Info.Motd)
	fmt.Printf("  host        %s\n", t.Info.HostUser)
	fmt.Printf("  clock skew  %s\n", t.Offset)
	if t.Info.ChallengeID == 0 {
		color.Info.Printf("  %s is not registered; logging in registers it\n", *nickname)
	}

	if !*tryLogin && *connect == 0 {
		return
	}
	password, err := readPassword()
	if err != nil {
		glog.Exit(err)
	}

	if *tryLogin {
		ok, err := client.TryLogin(ctx, *address, *code, *nickname, password, *newPassword)
		switch {
		case err != nil:
			color.Error.Printf("login: %s\n", err)
			os.Exit(1)
		case !ok:
			color.Warn.Println("login refused")
			os.Exit(1)
		}
		color.Success.Println("login accepted")
	}

	if *connect > 0 {
		if err := hold(password); err != nil {
			color.Error.Printf("connection: %s\n", err)
			os.Exit(1)
		}
	}
}

func readPassword() (string, error) {
	if p := os.Getenv("LARNIX_PASSWORD"); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal to read the password from; set LARNIX_PASSWORD")
	}
	fmt.Fprint(os.Stderr, "password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return string(b), err
}

// hold connects and reports the round trip time once a second.
func hold(password string) error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c, err := client.Dial(ctx, *address, *code, *nickname, password)
	if err != nil {
		return err
	}
	defer c.Close()

	const tick = 20 * time.Millisecond
	t := time.NewTicker(tick)
	defer t.Stop()
	deadline := time.Now().Add(*connect)
	report := time.Now().Add(time.Second)
	for now := range t.C {
		c.Tick(tick)
		if c.Dead() {
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("closed by the server")
		}
		if now.After(report) {
			state := color.Yellow.Sprint("handshaking")
			if c.Established() {
				state = color.Green.Sprint("established")
			}
			fmt.Printf("%s  %s  rtt %s\n", c.Peer(), state, c.Ping())
			report = now.Add(time.Second)
		}
		if now.After(deadline) {
			return nil
		}
	}
	return nil
}
