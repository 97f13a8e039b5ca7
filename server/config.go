package server

import (
	"badc0de.net/pkg/go-larnix/commands"
	"badc0de.net/pkg/go-larnix/limiter"
	"badc0de.net/pkg/go-larnix/login"
)

// GameVersion is reported in ServerInfoAnswer.
const GameVersion = 1

// Config configures a Server.
type Config struct {
	// Port 0 picks a dynamic port.
	Port       int
	MaxClients int
	Loopback   bool
	IPv4Only   bool
	RecvBuffer int

	// DataDir holds the private key and the server secret.
	DataDir string

	Motd     string
	HostUser string

	MaskIPv4 int
	MaskIPv6 int

	AllowRegistration bool

	// TranslateRelay gives peers heard through the relay a 240.0.0.0/4
	// stand-in address, applied by ConfigureRelay.
	TranslateRelay bool

	// Users defaults to an in-memory store.
	Users  login.UserStore
	Hasher *login.Hasher

	// Policies rate limits message types per client.
	Policies map[commands.ID]limiter.Policy

	GameVersion uint32
}

func DefaultConfig() Config {
	return Config{
		MaxClients:        10,
		RecvBuffer:        4 * 1024 * 1024,
		DataDir:           ".",
		MaskIPv4:          limiter.DefaultMaskIPv4,
		MaskIPv6:          limiter.DefaultMaskIPv6,
		AllowRegistration: true,
		TranslateRelay:    true,
		GameVersion:       GameVersion,
	}
}
