package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Layr-Labs/walletlink-go/pkg/config"
)

func main() {
	app := &cli.App{
		Name:  "walletlink",
		Usage: "Wallet connection SDK tools",
		Description: `Drives the wallet connection core from a terminal.

This tool can:
- Run a development relay server
- Inspect, rotate and reset the persisted relay session
- Connect to a relay and watch the link state
- Send EIP-1193 requests through the relay or through a popup bridge`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "link-api-url",
				Usage:   "Relay base URL",
				Value:   config.DefaultLinkAPIURL,
				EnvVars: []string{config.EnvLinkAPIURL},
			},
			&cli.StringFlag{
				Name:    "popup-url",
				Usage:   "Wallet popup URL",
				Value:   config.DefaultPopupURL,
				EnvVars: []string{config.EnvPopupURL},
			},
			&cli.StringFlag{
				Name:    "origin",
				Usage:   "Origin reported to the wallet",
				Value:   "http://localhost",
				EnvVars: []string{config.EnvOrigin},
			},
			&cli.StringFlag{
				Name:    "app-name",
				Usage:   "Application name shown to the wallet",
				Value:   "walletlink-go",
				EnvVars: []string{config.EnvAppName},
			},
			&cli.Uint64SliceFlag{
				Name:    "chain-ids",
				Usage:   "Chains the application supports; the first is the default",
				Value:   cli.NewUint64Slice(config.DefaultChainID),
				EnvVars: []string{config.EnvAppChainIDs},
			},
			&cli.StringFlag{
				Name:    "persistence",
				Usage:   "Storage backend: memory, badger or redis",
				Value:   "badger",
				EnvVars: []string{config.EnvPersistenceType},
			},
			&cli.StringFlag{
				Name:    "data-path",
				Usage:   "Badger data directory",
				Value:   "./walletlink-data",
				EnvVars: []string{config.EnvDataPath},
			},
			&cli.StringFlag{
				Name:    "redis-address",
				Usage:   "Redis address (host:port)",
				EnvVars: []string{config.EnvRedisAddress},
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				EnvVars: []string{config.EnvRedisPassword},
			},
			&cli.IntFlag{
				Name:    "redis-db",
				Usage:   "Redis database number",
				EnvVars: []string{config.EnvRedisDB},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging",
				EnvVars: []string{config.EnvDebug},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "relay-server",
				Usage: "Run a development relay",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Aliases: []string{"p"},
						Usage:   "HTTP server port",
						Value:   8080,
					},
				},
				Action: relayServerCommand,
			},
			{
				Name:  "session",
				Usage: "Inspect or rotate the persisted relay session",
				Subcommands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "Print the persisted session and its link URL",
						Action: sessionShowCommand,
					},
					{
						Name:   "new",
						Usage:  "Replace the persisted session with a fresh one",
						Action: sessionNewCommand,
					},
				},
			},
			{
				Name:   "connect",
				Usage:  "Connect to the relay and print link and account changes until interrupted",
				Action: connectCommand,
			},
			{
				Name:   "request",
				Usage:  "Send one request through the relay signer",
				Flags:  requestFlags(),
				Action: requestCommand,
			},
			{
				Name:  "popup-request",
				Usage: "Send one request through a popup bridge",
				Flags: append(requestFlags(),
					&cli.StringFlag{
						Name:     "bridge-url",
						Usage:    "Websocket URL of the popup bridge page",
						Required: true,
					},
				),
				Action: popupRequestCommand,
			},
			{
				Name:   "reset",
				Usage:  "Destroy the relay session and forget cached accounts",
				Action: resetCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func requestFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "method",
			Usage:    "EIP-1193 method",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "params",
			Usage: "JSON params",
			Value: "[]",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for the wallet",
			Value: config.RequestTimeout,
		},
	}
}
