// Package simulation drives a full arbiter run: builds the fleet, spawns
// one goroutine per aircraft under an errgroup (the Go-native replacement
// for original_source/src/main.c's pthread_create/pthread_join loop over
// hilo_aeronave), optionally runs a radar loop, and renders the final
// statistics report.
//
// Grounded on internal/torrent.Torrent.Run's errgroup.WithContext +
// g.Go/g.Wait shape.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/atc-arbiter/internal/aircraft"
	"github.com/prxssh/atc-arbiter/internal/arbiter"
	"github.com/prxssh/atc-arbiter/pkg/config"
)

// Simulation owns one arbiter and the fleet of aircraft contending on it.
type Simulation struct {
	cfg     config.Config
	log     *slog.Logger
	arb     *arbiter.Arbiter
	fleet   []*aircraft.Aircraft
	rng     *rand.Rand
	radarOn bool
}

// New builds a simulation of sectorCount sectors and aircraftCount
// aircraft, each with a randomized route and priority drawn from rng.
func New(sectorCount, aircraftCount int, cfg config.Config, log *slog.Logger, rng *rand.Rand, radarOn bool) (*Simulation, error) {
	if sectorCount < cfg.SectorFloor {
		sectorCount = cfg.SectorFloor
	}

	fleet := make([]*aircraft.Aircraft, aircraftCount)
	for i := range fleet {
		fleet[i] = aircraft.New(i, sectorCount, cfg.PriorityMin, cfg.PriorityMax, rng)
	}

	arb, err := arbiter.New(sectorCount, fleet, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("build arbiter: %w", err)
	}

	return &Simulation{
		cfg:     cfg,
		log:     log,
		arb:     arb,
		fleet:   fleet,
		rng:     rng,
		radarOn: radarOn,
	}, nil
}

// Run spawns every aircraft's agent loop and, if enabled, a radar
// inspection loop, and blocks until every aircraft has landed or aborted.
// The radar loop is cancelled once the fleet finishes. An aircraft abort
// cancels the context shared by the fleet, so the remaining aircraft stop
// at their next cancellation check (an aircraft already blocked in a wait
// queue keeps waiting for its hand-off).
func (s *Simulation) Run(ctx context.Context) (arbiter.Report, error) {
	fleetCtx, cancelRadar := context.WithCancel(ctx)
	defer cancelRadar()

	g, gctx := errgroup.WithContext(ctx)

	for _, ac := range s.fleet {
		ac := ac
		g.Go(func() error {
			return ac.Run(gctx, s.arb, s.rng, s.log, s.cfg.FlightTimeMin, s.cfg.FlightTimeMax)
		})
	}

	radarDone := make(chan struct{})
	if s.radarOn {
		go func() {
			defer close(radarDone)
			s.radarLoop(fleetCtx)
		}()
	} else {
		close(radarDone)
	}

	err := g.Wait()
	cancelRadar()
	<-radarDone

	return s.arb.BuildReport(), err
}

// radarLoop periodically logs a snapshot of sector occupancy and wait
// queues (spec §6's optional radar view), stopping when ctx is cancelled.
func (s *Simulation) radarLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RadarInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.log.Info("radar sweep", "sectors", formatSnapshot(s.arb.Inspect()))
		}
	}
}

func formatSnapshot(snaps []arbiter.SectorSnapshot) string {
	var b strings.Builder
	for i, snap := range snaps {
		if i > 0 {
			b.WriteString("; ")
		}
		occupant := "free"
		if snap.OccupantID != aircraft.NoSector {
			occupant = fmt.Sprintf("%d", snap.OccupantID)
		}
		fmt.Fprintf(&b, "sector%d=%s queue=%v", snap.Sector, occupant, snap.Queue)
	}
	return b.String()
}

// FormatReport renders the final statistics report the driver prints on
// exit.
func FormatReport(r arbiter.Report) string {
	return fmt.Sprintf(
		"elapsed=%s deadlocks=%d forced_retreats=%d boosts=%d contention_rate=%.3f/s",
		r.Elapsed.Round(time.Millisecond), r.Deadlocks, r.ForcedRetreats, r.Boosts, r.ContentionRate,
	)
}
