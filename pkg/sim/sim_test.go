package sim_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"cinnamon/pkg/chiplet"
	"cinnamon/pkg/funcunit"
	"cinnamon/pkg/network"
	"cinnamon/pkg/sim"
)

func testUnits() map[string][]*funcunit.Unit {
	return map[string][]*funcunit.Unit{
		"add": {funcunit.NewUnit("add0", 1, 4, nil)},
		"mul": {funcunit.NewUnit("mul0", 5, 4, nil)},
	}
}

func testConfig() chiplet.Config {
	return chiplet.Config{
		VecDepth:             4,
		NumVectorRegs:        16,
		NumScalarRegs:        16,
		NumBcuVRegs:          4,
		NumBcuBuffs:          1,
		UsePRNG:              true,
		MemoryRequestWidth:   1024,
		NumConcurrentMemReqs: 2,
	}
}

var _ = Describe("Simulation", func() {
	It("drains a single chiplet's trace through a fixed-latency backend and reports its stats", func() {
		src := "load r0 : ct_input | 0\nadd r1 : r0, r0 | 0\nstore ct_input : r1 | 0\n"
		backend := sim.NewFixedLatencyBackend(3)
		net := network.NewNetwork(1, 2)
		c := chiplet.New(0, testConfig(), strings.NewReader(src), testUnits(), backend, net, nil)

		s := sim.New([]*chiplet.Chiplet{c}, []*sim.FixedLatencyBackend{backend}, net, nil)
		cycles, err := s.Run(500)
		Expect(err).NotTo(HaveOccurred())
		Expect(cycles).To(BeNumerically(">", 0))

		report := s.Report(cycles)
		Expect(report.Chiplets).To(HaveLen(1))
		Expect(report.Chiplets[0].InstructionsDispatched).To(Equal(3))
		Expect(report.Chiplets[0].LoadsIssued).To(Equal(1))
		Expect(report.Chiplets[0].StoresIssued).To(Equal(1))
	})

	It("runs independent chiplets concurrently and aggregates both into the report", func() {
		traceA := "load r0 : ct_a | 0\nstore ct_a : r0 | 0\n"
		traceB := "load r0 : ct_b | 0\nadd r1 : r0, r0 | 0\nstore ct_b : r1 | 0\n"

		backendA := sim.NewFixedLatencyBackend(1)
		backendB := sim.NewFixedLatencyBackend(2)
		net := network.NewNetwork(1, 2)
		cA := chiplet.New(0, testConfig(), strings.NewReader(traceA), testUnits(), backendA, net, nil)
		cB := chiplet.New(1, testConfig(), strings.NewReader(traceB), testUnits(), backendB, net, nil)

		s := sim.New([]*chiplet.Chiplet{cA, cB}, []*sim.FixedLatencyBackend{backendA, backendB}, net, nil)
		cycles, err := s.Run(500)
		Expect(err).NotTo(HaveOccurred())

		report := s.Report(cycles)
		Expect(report.Chiplets).To(HaveLen(2))
		Expect(report.Chiplets[0].InstructionsDispatched).To(Equal(2))
		Expect(report.Chiplets[1].InstructionsDispatched).To(Equal(3))
	})

	It("surfaces a chiplet scheduling error through Run", func() {
		// a store whose source register was never written is a scheduling
		// invariant violation: there is no rename mapping to read.
		src := "store ct_x : r0 | 0\n"
		backend := sim.NewFixedLatencyBackend(1)
		net := network.NewNetwork(1, 2)
		c := chiplet.New(0, testConfig(), strings.NewReader(src), testUnits(), backend, net, nil)

		s := sim.New([]*chiplet.Chiplet{c}, []*sim.FixedLatencyBackend{backend}, net, nil)
		_, err := s.Run(20)
		Expect(err).To(HaveOccurred())
	})

	It("broadcasts a value from one chiplet to another through Dis/Rcv", func() {
		traceSrc := "load r0 : ct_a | 0\ndis @0:2 r0 | 0\n"
		traceDst := "rcv @0:2 r1 : | 0\nstore ct_b : r1 | 0\n"

		backendSrc := sim.NewFixedLatencyBackend(1)
		backendDst := sim.NewFixedLatencyBackend(1)
		net := network.NewNetwork(1, 2)
		src := chiplet.New(0, testConfig(), strings.NewReader(traceSrc), testUnits(), backendSrc, net, nil)
		dst := chiplet.New(1, testConfig(), strings.NewReader(traceDst), testUnits(), backendDst, net, nil)

		s := sim.New([]*chiplet.Chiplet{src, dst}, []*sim.FixedLatencyBackend{backendSrc, backendDst}, net, nil)
		cycles, err := s.Run(500)
		Expect(err).NotTo(HaveOccurred())

		report := s.Report(cycles)
		Expect(report.Chiplets).To(HaveLen(2))
		Expect(report.Chiplets[0].InstructionsDispatched).To(Equal(2))
		Expect(report.Chiplets[1].InstructionsDispatched).To(Equal(2))
		Expect(report.Chiplets[1].StoresIssued).To(Equal(1))
	})

	It("aggregates values from two source chiplets into one destination through Joi", func() {
		traceA := "load r0 : ct_a | 0\njoi @5:3 r0 | 0\n"
		traceB := "load r0 : ct_b | 0\njoi @5:3 r0 | 0\n"
		traceDst := "joi @5:3 r2 : | 0\nstore ct_out : r2 | 0\n"

		backendA := sim.NewFixedLatencyBackend(1)
		backendB := sim.NewFixedLatencyBackend(1)
		backendDst := sim.NewFixedLatencyBackend(1)
		net := network.NewNetwork(1, 2)
		cA := chiplet.New(0, testConfig(), strings.NewReader(traceA), testUnits(), backendA, net, nil)
		cB := chiplet.New(1, testConfig(), strings.NewReader(traceB), testUnits(), backendB, net, nil)
		cDst := chiplet.New(2, testConfig(), strings.NewReader(traceDst), testUnits(), backendDst, net, nil)

		s := sim.New([]*chiplet.Chiplet{cA, cB, cDst}, []*sim.FixedLatencyBackend{backendA, backendB, backendDst}, net, nil)
		cycles, err := s.Run(500)
		Expect(err).NotTo(HaveOccurred())

		report := s.Report(cycles)
		Expect(report.Chiplets).To(HaveLen(3))
		Expect(report.Chiplets[2].InstructionsDispatched).To(Equal(2))
		Expect(report.Chiplets[2].StoresIssued).To(Equal(1))
	})
})
