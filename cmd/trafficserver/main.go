// Command trafficserver runs the server role of the traffic generator:
// it accepts the configured number of connections, drives each through
// its I/O pattern, and prints periodic status until every connection has
// completed or it is interrupted.
package main

import (
	"flag"
	"fmt"
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
	fs, err := config.ParseFlags(flag.NewFlagSet("trafficserver", flag.ContinueOnError), os.Args[1:])
	if err != nil {
		log.Println("trafficserver: flag error:", err)
		return 2
	}

	opts, err := config.Load(fs.ConfigPath)
	if err != nil {
		log.Println("trafficserver: configuration error:", err)
		return 2
	}

	srv, err := orchestrator.NewServer(opts)
	if err != nil {
		log.Println("trafficserver: startup error:", err)
		return 2
	}
	fmt.Printf("trafficserver: listening on %s\n", srv.Addr())

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		fmt.Println("trafficserver: received interrupt, shutting down...")
		srv.Interrupt()
	}()

	timeLimit := time.Duration(opts.TimeLimit) * time.Millisecond
	return srv.Run(timeLimit)
}
