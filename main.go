package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the command-line options
type AppOptions struct {
	ConfigFile  string
	DatasetDir  string
	WriteConfig string
	Serve       bool
	HttpPort    int
	Workers     int
	Sequential  bool
	Debug       bool
}

// Runner is the behaviour main dispatches to; *App implements it
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunOnce() error
	RunWriteConfig() error
	RunService() error
}

// run parses args and dispatches to the selected mode
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("fragmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file (YAML or Open3D JSON)")
	fs.StringVar(&opts.DatasetDir, "dataset", "", "Override path_dataset from the config")
	fs.StringVar(&opts.WriteConfig, "write-config", "", "Write the effective configuration to this path and exit")
	fs.BoolVar(&opts.Serve, "serve", false, "Run as a service: HTTP status server and MQTT/HTTP run triggers")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (overrides http.port; default 8080 in service mode)")
	fs.IntVar(&opts.Workers, "workers", 0, "Maximum concurrent pair registrations (overrides max_workers)")
	fs.BoolVar(&opts.Sequential, "sequential", false, "Register pairs one at a time")
	fs.BoolVar(&opts.Debug, "debug", false, "Log intermediate transforms and write graph renders")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "fragmesh version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.WriteConfig != "":
		return app.RunWriteConfig()
	case opts.Serve:
		return app.RunService()
	default:
		return app.RunOnce()
	}
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("fragmesh: %v", err)
	}
}
