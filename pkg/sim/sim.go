// Package sim implements the top-level driver: it owns every chiplet and
// the collective network, fans out one cycle of work per chiplet onto an
// errgroup, and joins before ticking the shared network.
package sim

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"cinnamon/pkg/chiplet"
	"cinnamon/pkg/network"
)

// Report is the end-of-run summary assembled from every chiplet's counters.
type Report struct {
	CyclesRun int
	Chiplets  []chiplet.Stats
}

// Simulation owns the chiplets and the network they collectively drive.
// Each chiplet's state is private; only the network is shared, and it
// guards its own state with a mutex, so the per-cycle fan-out needs no
// coordination beyond the errgroup join.
type Simulation struct {
	chiplets []*chiplet.Chiplet
	backends []*FixedLatencyBackend // one per chiplet, ticked alongside it; nil entries are skipped
	network  *network.Network
	log      *logrus.Entry
}

// New constructs a Simulation over the given chiplets and network. backends
// holds each chiplet's FixedLatencyBackend, in the same order as chiplets,
// so Run can tick it before that chiplet's own Tick each cycle; pass nil
// entries for chiplets wired to a backend that drives its own completion
// timing independently.
func New(chiplets []*chiplet.Chiplet, backends []*FixedLatencyBackend, net *network.Network, log *logrus.Entry) *Simulation {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Simulation{chiplets: chiplets, backends: backends, network: net, log: log.WithField("component", "sim")}
}

// Run advances the simulation cycle by cycle, up to maxCycles, fanning
// each cycle's chiplet.Tick calls out across an errgroup and joining before
// ticking the network. It stops as soon as every chiplet reports
// okay-to-finish and the network has no live collective in flight,
// returning the number of cycles actually run. A maxCycles exhaustion
// without draining is reported as an error — the caller asked for a trace
// that evidently never terminates within the budget given.
func (s *Simulation) Run(maxCycles int) (int, error) {
	for cycle := 0; cycle < maxCycles; cycle++ {
		okay := make([]bool, len(s.chiplets))

		var g errgroup.Group
		for i, c := range s.chiplets {
			i, c := i, c
			g.Go(func() error {
				if i < len(s.backends) && s.backends[i] != nil {
					s.backends[i].Tick(cycle)
				}
				done, err := c.Tick(cycle)
				if err != nil {
					return errors.Wrapf(err, "chiplet %d at cycle %d", i, cycle)
				}
				okay[i] = done
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return cycle, err
		}

		s.network.Tick(cycle)

		if allOkay(okay) && s.network.Idle() {
			s.log.WithField("cycles", cycle+1).Info("simulation drained")
			return cycle + 1, nil
		}
	}
	return maxCycles, errors.Errorf("sim: did not drain within %d cycles", maxCycles)
}

func allOkay(okay []bool) bool {
	for _, ok := range okay {
		if !ok {
			return false
		}
	}
	return true
}

// Report gathers the final per-chiplet statistics, tagging the run with the
// number of cycles it took.
func (s *Simulation) Report(cyclesRun int) Report {
	r := Report{CyclesRun: cyclesRun}
	for _, c := range s.chiplets {
		r.Chiplets = append(r.Chiplets, c.Stats())
	}
	return r
}
