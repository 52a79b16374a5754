package reservation_test

import (
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/radiocosmology/alpenhornd/reservation"
)

var _ = Describe("Ledger", func() {
	var l *reservation.Ledger

	BeforeEach(func() { l = reservation.New() })

	It("applies the factor=2 fudge when reserving", func() {
		ok := l.Reserve("nodeA", 10, 25, false)
		Expect(ok).To(BeTrue())
		Expect(l.Reserved("nodeA")).To(Equal(int64(20)))
	})

	It("rejects a reservation that would exceed available bytes", func() {
		ok := l.Reserve("nodeA", 20, 30, false)
		Expect(ok).To(BeFalse())
		Expect(l.Reserved("nodeA")).To(Equal(int64(0)))
	})

	It("leaves the ledger unchanged for a check_only probe", func() {
		ok := l.Reserve("nodeA", 10, 25, true)
		Expect(ok).To(BeTrue())
		Expect(l.Reserved("nodeA")).To(Equal(int64(0)))
	})

	It("releases a reservation back down, removing the entry at zero", func() {
		Expect(l.Reserve("nodeA", 10, 100, false)).To(BeTrue())
		Expect(l.Release("nodeA", 10)).To(Succeed())
		Expect(l.Reserved("nodeA")).To(Equal(int64(0)))
	})

	It("errors on over-release", func() {
		Expect(l.Reserve("nodeA", 5, 100, false)).To(BeTrue())
		Expect(l.Release("nodeA", 10)).To(HaveOccurred())
	})

	It("snapshots the current per-node reservations", func() {
		Expect(l.Reserve("nodeA", 5, 100, false)).To(BeTrue())
		Expect(l.Reserve("nodeB", 3, 100, false)).To(BeTrue())
		snap := l.Snapshot()
		Expect(snap).To(Equal(map[string]int64{"nodeA": 10, "nodeB": 6}))
	})

	It("never lets reserved bytes go negative under concurrent reserve/release", func() {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				l.Reserve("nodeA", 1, 1<<30, false)
			}()
			go func() {
				defer wg.Done()
				_ = l.Release("nodeA", 1)
			}()
		}
		wg.Wait()
		Expect(l.Reserved("nodeA")).To(BeNumerically(">=", 0))
	})
})
