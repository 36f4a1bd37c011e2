/*
Swarm ingest publishes HLS streams written by a transcoder to Swarm.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/peterbourgon/ff/v3"

	"github.com/livepeer/swarm-ingest/cmd/swarmingest/starter"
)

func main() {
	// Override the default flag set since there are dependencies that
	// incorrectly add their own flags (specifically, due to the 'testing'
	// package being linked)
	flag.Set("logtostderr", "true")
	// glog's verbosity flag lives on the default set, keep it before replacing it
	vFlag := flag.Lookup("v")
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flag.CommandLine.SetOutput(os.Stdout)

	// Help & Log
	mistJSON := flag.Bool("j", false, "Print application info as json")
	version := flag.Bool("version", false, "Print out the version")
	verbosity := flag.String("v", "3", "Log verbosity.  {4|5|6}")

	cfg := parseSwarmIngestConfig()

	vFlag.Value.Set(*verbosity)

	if *mistJSON {
		fmt.Printf(`{"name":"swarmingest","desc":"HLS to Swarm ingest","version":%q}`+"\n", starter.Version)
		return
	}
	if *version {
		fmt.Println("Swarm ingest version: " + starter.Version)
		return
	}

	cfg.PrintConfig(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := starter.StartSwarmIngest(ctx, cfg); err != nil {
		glog.Exit("Error starting swarm ingest: ", err)
	}
	glog.Info("Exiting swarm ingest")
	glog.Flush()
}

func parseSwarmIngestConfig() starter.SwarmIngestConfig {
	cfg := starter.NewSwarmIngestConfig(flag.CommandLine)

	flag.CommandLine.String("config", "", "Config file in the format 'key value', flags and env vars take precedence over the config file")
	err := ff.Parse(flag.CommandLine, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithEnvVarPrefix("SWARM_INGEST"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if err != nil {
		glog.Exit("Error parsing config: ", err)
	}
	return cfg
}
