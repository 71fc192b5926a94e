package dispatch

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rvcore/internal/coretypes"
	"github.com/sarchlab/rvcore/internal/inst"
	"github.com/sarchlab/rvcore/internal/sim"
)

func instOfClass(class UnitClass) *inst.Instruction {
	in := &inst.Instruction{}
	switch class {
	case ClassLoadStore:
		in.IsLoadStore = true
	case ClassBranch:
		in.IsBranch = true
	case ClassVector:
		in.Desc.IsVector = true
	case ClassFloat:
		in.Desc.Dests = []inst.Operand{{RegFile: coretypes.RegFileFloat, RegNum: 1}}
	case ClassROB:
		in.Desc.TargetsROB = true
	}
	return in
}

var _ = Describe("Dispatcher", func() {
	var (
		sched *sim.Scheduler
		d     *Dispatcher
	)

	allClasses := []UnitClass{ClassInteger, ClassFloat, ClassVector, ClassLoadStore, ClassBranch, ClassROB}

	BeforeEach(func() {
		sched = sim.NewScheduler()
		d = NewDispatcher(sched)
		for _, c := range allClasses {
			q := NewQueue(sched, c, 1)
			q.Grant(4)
			d.Bind(c, q)
		}
	})

	DescribeTable("routing",
		func(class UnitClass) {
			in := instOfClass(class)
			dispatched := UnitClass(-1)
			d.queues[class].OnDispatch(func(*inst.Instruction) { dispatched = class })
			Expect(d.CanAccept(in)).To(BeTrue())
			d.Dispatch(in)
			Expect(dispatched).To(Equal(class))
			Expect(in.Status).To(Equal(inst.Dispatched))
		},
		Entry("integer ALU", ClassInteger),
		Entry("floating point", ClassFloat),
		Entry("vector", ClassVector),
		Entry("load/store", ClassLoadStore),
		Entry("branch", ClassBranch),
		Entry("ROB-direct", ClassROB),
	)

	It("should route a vset to the ROB-direct queue", func() {
		in := &inst.Instruction{}
		in.Desc.IsVectorConfig = true
		Expect(classOf(in)).To(Equal(ClassROB))
	})

	It("should allow one dispatch per unit per cycle", func() {
		a, b := instOfClass(ClassInteger), instOfClass(ClassInteger)
		Expect(d.CanAccept(a)).To(BeTrue())
		d.Dispatch(a)
		Expect(d.CanAccept(b)).To(BeFalse())

		sched.Step() // Collection phase resets the per-cycle flag
		Expect(d.CanAccept(b)).To(BeTrue())
	})

	It("should stall when the target unit is out of credits", func() {
		q := NewQueue(sched, ClassInteger, 1)
		q.Grant(1)
		d.Bind(ClassInteger, q)

		a, b := instOfClass(ClassInteger), instOfClass(ClassInteger)
		d.Dispatch(a)
		sched.Step()
		Expect(d.CanAccept(b)).To(BeFalse())

		q.Grant(1) // the unit freed a slot
		Expect(d.CanAccept(b)).To(BeTrue())
	})
})
