// Command trafficclient runs the client role of the traffic generator:
// it dials the configured target addresses, drives each connection
// through its I/O pattern, and prints periodic status until every
// connection has completed or it is interrupted.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anvil-labs/trafficgen/internal/config"
	"github.com/anvil-labs/trafficgen/internal/orchestrator"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs, err := config.ParseFlags(flag.NewFlagSet("trafficclient", flag.ContinueOnError), os.Args[1:])
	if err != nil {
		log.Println("trafficclient: flag error:", err)
		return 2
	}

	opts, err := config.Load(fs.ConfigPath)
	if err != nil {
		log.Println("trafficclient: configuration error:", err)
		return 2
	}

	client, err := orchestrator.NewClient(opts)
	if err != nil {
		log.Println("trafficclient: startup error:", err)
		return 2
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Println("trafficclient: received interrupt, shutting down...")
		client.Interrupt()
	}()

	timeLimit := time.Duration(opts.TimeLimit) * time.Millisecond
	return client.Run(timeLimit)
}
