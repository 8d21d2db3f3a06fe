// Command atc-arbiter runs the air traffic sector-arbiter simulation: a
// driver-supplied number of aircraft, each following a randomized route of
// sectors, contend for exclusive sector occupancy through a single
// deadlock-detecting, starvation-resistant arbiter.
//
// Usage: atc-arbiter [-radar] SECTORS AIRCRAFT
//
// It is the Go-native replacement for original_source/main.c's
// argv-parsing, pthread_create/pthread_join driver loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/prxssh/atc-arbiter/internal/simulation"
	"github.com/prxssh/atc-arbiter/pkg/config"
	"github.com/prxssh/atc-arbiter/pkg/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("atc-arbiter", flag.ContinueOnError)
	radar := fs.Bool("radar", false, "periodically log sector occupancy and wait queues")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	rest := fs.Args()
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "usage: atc-arbiter [-radar] SECTORS AIRCRAFT")
		return 1
	}

	sectors, err := parsePositiveInt(rest[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid SECTORS: %v\n", err)
		return 1
	}
	aircraftCount, err := parsePositiveInt(rest[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid AIRCRAFT: %v\n", err)
		return 1
	}

	config.Init()
	cfg := *config.Load()

	runID := uuid.New()
	handler := logging.NewPrettyHandler(os.Stdout, nil)
	log := slog.New(handler).With("run", runID.String())

	if sectors < cfg.SectorFloor {
		log.Warn("sector count below floor, clamping", "requested", sectors, "floor", cfg.SectorFloor)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seed := uint64(time.Now().UnixNano())
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	sim, err := simulation.New(sectors, aircraftCount, cfg, log, rng, *radar)
	if err != nil {
		log.Error("failed to build simulation", "error", err)
		return 1
	}

	log.Info("simulation starting", "sectors", sectors, "aircraft", aircraftCount, "radar", *radar)

	report, err := sim.Run(ctx)
	if err != nil {
		log.Error("simulation ended with an error", "error", err)
		fmt.Println(simulation.FormatReport(report))
		return 1
	}

	log.Info("simulation complete")
	fmt.Println(simulation.FormatReport(report))
	return 0
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%q must be positive", s)
	}
	return n, nil
}
