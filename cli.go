package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/urfave/cli/v2"
)

const (
	AppName    = "speedtest-esa"
	AppVersion = "1.0.0"
	AppDesc    = "HTTP network throughput test server and client"
)

// createCliApp creates the CLI application
func createCliApp() *cli.App {
	return &cli.App{
		Name:     AppName,
		Version:  AppVersion,
		Usage:    AppDesc,
		Flags:    globalFlags(),
		Commands: createCommands(),
	}
}

// defaultConfigPath places config.yaml next to the executable
func defaultConfigPath() string {
	exePath, err := os.Executable()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(filepath.Dir(exePath), "config.yaml")
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   defaultConfigPath(),
			Usage:   "configuration file, created with defaults if missing",
			EnvVars: []string{"SPEEDTEST_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "override logging.level (debug, info, warn, error)",
		},
	}
}

func createCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:   "serve",
			Usage:  "run the measurement server",
			Action: serveAction,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "addr",
					Usage: "listen address (default from config, :8080)",
				},
				&cli.BoolFlag{
					Name:  "h2c",
					Usage: "accept cleartext HTTP/2",
				},
			},
		},
		{
			Name:   "run",
			Usage:  "measure latency, download and upload against a server",
			Action: runAction,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "server",
					Aliases:  []string{"s"},
					Usage:    "base URL of the server, e.g. http://host:8080",
					Required: true,
				},
				&cli.IntFlag{
					Name:    "threads",
					Aliases: []string{"t"},
					Value:   4,
					Usage:   "parallel transfer workers",
				},
				&cli.DurationFlag{
					Name:    "duration",
					Aliases: []string{"d"},
					Value:   10 * time.Second,
					Usage:   "length of each throughput phase",
				},
				&cli.DurationFlag{
					Name:  "tick",
					Value: 200 * time.Millisecond,
					Usage: "live report interval",
				},
				&cli.IntFlag{
					Name:  "samples",
					Value: 5,
					Usage: "latency probes",
				},
				&cli.StringFlag{
					Name:  "protocol",
					Value: "h1",
					Usage: "HTTP version: h1, h2 or h3",
				},
				&cli.BoolFlag{
					Name:  "insecure",
					Usage: "skip TLS certificate verification",
				},
				&cli.BoolFlag{
					Name:  "tui",
					Usage: "show a live terminal dashboard",
				},
				&cli.BoolFlag{
					Name:  "json",
					Usage: "print the result as JSON",
				},
				&cli.BoolFlag{
					Name:  "save",
					Usage: "store the result in the configured history backend",
				},
			},
		},
		{
			Name:   "history",
			Usage:  "print stored results",
			Action: historyAction,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "format",
					Aliases: []string{"f"},
					Value:   "table",
					Usage:   "table, txt, csv or json",
				},
				&cli.StringFlag{
					Name:  "server",
					Usage: "read results from a running server instead of the local store",
				},
				&cli.IntFlag{
					Name:  "limit",
					Value: 50,
					Usage: "maximum number of results",
				},
			},
		},
		{
			Name:    "version",
			Aliases: []string{"v"},
			Usage:   "print version information",
			Action: func(c *cli.Context) error {
				fmt.Printf("%s v%s\n", AppName, AppVersion)
				fmt.Printf("%s\n", AppDesc)
				fmt.Printf("go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
				return nil
			},
		},
	}
}
