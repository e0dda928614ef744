// Command wesimctl is a thin demonstration harness, not a configuration-
// file-format product: it loads a JSON scenario, assembles the wired
// packages (store, resample, reweight, driver, simloop) against the
// in-process LocalManager and an identity demo propagator, drives one
// SimLoop run, and prints the iteration count, the termination reason and
// the recent diagnostics.
/*
 * Copyright (c) 2024, wesim-project. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wesim-project/wesim/bin"
	"github.com/wesim-project/wesim/cmn"
	"github.com/wesim-project/wesim/cmn/nlog"
	"github.com/wesim-project/wesim/driver"
	"github.com/wesim-project/wesim/events"
	"github.com/wesim-project/wesim/metrics"
	"github.com/wesim-project/wesim/particle"
	"github.com/wesim-project/wesim/resample"
	"github.com/wesim-project/wesim/reweight"
	"github.com/wesim-project/wesim/simloop"
	"github.com/wesim-project/wesim/store"
	"github.com/wesim-project/wesim/workmgr"
)

func main() {
	var (
		configPath string
		seed       int64
		dbPath     string
	)

	root := &cobra.Command{
		Use:   "wesimctl",
		Short: "Run a Weighted Ensemble simulation scenario",
		Long: `wesimctl drives one SimLoop run over a uniform 1-D bin topology with
an identity demo propagator (pcoord unchanged each segment). It exists to
exercise the store/resample/driver/simloop wiring end-to-end, not as a
general-purpose simulation product.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, dbPath, seed)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to a JSON configuration file (required)")
	root.Flags().StringVar(&dbPath, "db", ":memory:", "buntdb file path, or :memory: for a volatile store")
	root.Flags().Int64Var(&seed, "seed", 42, "resampler RNG seed")
	_ = root.MarkFlagRequired("config")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, dbPath string, seed int64) error {
	cfg, err := cmn.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log := nlog.New(64)

	topo, err := buildTopology(cfg)
	if err != nil {
		return err
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	resampler := resample.New(topo, seed, 0, log)
	rw := reweight.New(cfg.Weed, log)
	bus := events.New()
	work := workmgr.NewLocal(identityPropagator, cfg.Backend.Blocksize, log)
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	d := driver.New(st, topo, resampler, rw, work, bus, log)
	d.Metrics = met

	loop, err := simloop.New(cfg, d, st, log)
	if err != nil {
		return err
	}
	if err := loop.SeedInitial(); err != nil {
		return err
	}

	result, err := loop.Run(ctx)
	if err != nil {
		return err
	}

	cur, err := st.GetCurrentIteration()
	if err != nil {
		return err
	}
	fmt.Printf("ran %d iteration(s), now at iteration %d\n", result.IterationsRun, cur)
	if result.TerminatedByMaxIter {
		fmt.Println("terminated: max_iterations reached")
	}
	if result.TerminatedByWallclock {
		fmt.Println("terminated: max_wallclock exceeded")
	}
	for _, line := range log.RecentDiagnostics() {
		fmt.Println("diagnostic:", line)
	}
	return nil
}

// identityPropagator is the demo Propagator: it leaves pcoord unchanged
// and reports zero cost, exercising the WorkManager/Driver wiring without
// needing a real numeric engine.
func identityPropagator(_ context.Context, seg *particle.Segment) (*particle.Segment, error) {
	start := seg.StartPcoord()
	seg.Pcoord = [][]float64{start, append([]float64(nil), start...)}
	seg.CPUTime = 0
	seg.WallTime = 0
	return seg, nil
}

func buildTopology(cfg *cmn.Config) (*bin.Uniform1D, error) {
	switch cfg.Bins.Type {
	case "", "uniform1d":
		n := cfg.Wemd.InitialParticles
		boundaries := []float64{0, 1}
		targets := []uint32{uint32(n)}
		return bin.NewUniform1D(boundaries, targets, nil, nil)
	default:
		return nil, cmn.Wrapf(cmn.ErrConfig, "unsupported bins.type %q for this demo", cfg.Bins.Type)
	}
}
