package queue_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/radiocosmology/alpenhornd/queue"
)

var _ = Describe("Queue", func() {
	var q *queue.Queue

	BeforeEach(func() {
		q = queue.New()
	})

	AfterEach(func() {
		q.Close()
	})

	It("returns a put item from get", func() {
		Expect(q.Put("payload", "node1", 0, false)).To(Succeed())
		item, ok := q.Get(time.Second)
		Expect(ok).To(BeTrue())
		Expect(item.Value).To(Equal("payload"))
		Expect(item.Key).To(Equal("node1"))
	})

	It("times out when nothing is queued", func() {
		_, ok := q.Get(20 * time.Millisecond)
		Expect(ok).To(BeFalse())
	})

	It("prefers the fifo with fewer in-progress tasks", func() {
		Expect(q.Put("a1", "a", 0, false)).To(Succeed())
		Expect(q.Put("a2", "a", 0, false)).To(Succeed())

		// Only "a" has queued items yet, so it must be picked; "b" is
		// filled afterwards because ties between idle fifos are broken
		// arbitrarily.
		first, ok := q.Get(time.Second)
		Expect(ok).To(BeTrue())
		Expect(first.Key).To(Equal("a"))
		Expect(q.Put("b1", "b", 0, false)).To(Succeed())

		// "a" now has 1 in-progress, "b" has 0 in-progress with 1 queued:
		// "b" should be preferred over "a"'s remaining queued item.
		second, ok := q.Get(time.Second)
		Expect(ok).To(BeTrue())
		Expect(second.Key).To(Equal("b"))
	})

	It("tracks qsize and inprogress_size across get/task_done", func() {
		Expect(q.Put("x", "k", 0, false)).To(Succeed())
		Expect(q.Qsize()).To(Equal(1))
		Expect(q.InProgressSize()).To(Equal(0))

		item, ok := q.Get(time.Second)
		Expect(ok).To(BeTrue())
		Expect(q.Qsize()).To(Equal(0))
		Expect(q.InProgressSize()).To(Equal(1))

		Expect(q.TaskDone(item.Key)).To(Succeed())
		Expect(q.InProgressSize()).To(Equal(0))
	})

	It("errors task_done when nothing is in progress for that key", func() {
		Expect(q.TaskDone("nope")).To(HaveOccurred())
	})

	It("holds an exclusive task's fifo until task_done", func() {
		Expect(q.Put("e1", "ex", 0, true)).To(Succeed())
		Expect(q.Put("e2", "ex", 0, false)).To(Succeed())

		first, ok := q.Get(time.Second)
		Expect(ok).To(BeTrue())
		Expect(first.Value).To(Equal("e1"))

		_, ok = q.Get(20 * time.Millisecond)
		Expect(ok).To(BeFalse(), "fifo should be exclusively locked until task_done")

		Expect(q.TaskDone("ex")).To(Succeed())

		second, ok := q.Get(time.Second)
		Expect(ok).To(BeTrue())
		Expect(second.Value).To(Equal("e2"))
	})

	It("delivers a deferred put only after its wait elapses", func() {
		Expect(q.Put("later", "k", 30*time.Millisecond, false)).To(Succeed())

		_, ok := q.Get(5 * time.Millisecond)
		Expect(ok).To(BeFalse())

		item, ok := q.Get(200 * time.Millisecond)
		Expect(ok).To(BeTrue())
		Expect(item.Value).To(Equal("later"))
	})

	It("clear_fifo drops queued items without affecting in-progress ones", func() {
		Expect(q.Put("keep-in-progress", "k", 0, false)).To(Succeed())
		inProgress, ok := q.Get(time.Second)
		Expect(ok).To(BeTrue())

		Expect(q.Put("will-be-cleared", "k", 0, false)).To(Succeed())
		q.ClearFifo("k", false)
		Expect(q.FifoSize("k")).To(Equal(1)) // the in-progress one

		Expect(q.TaskDone(inProgress.Key)).To(Succeed())
		Expect(q.FifoSize("k")).To(Equal(0))
	})

	It("rejects puts to a fifo cleared with keep_clear until reopened", func() {
		q.ClearFifo("locked", true)
		Expect(q.Put("x", "locked", 0, false)).To(HaveOccurred())

		q.ClearFifo("locked", false)
		Expect(q.Put("x", "locked", 0, false)).To(Succeed())
	})

	It("join blocks until queued and in-progress tasks drain", func() {
		Expect(q.Put("a", "k", 0, false)).To(Succeed())
		Expect(q.Put("b", "k", 0, false)).To(Succeed())

		joined := make(chan struct{})
		go func() {
			q.Join()
			close(joined)
		}()

		item1, _ := q.Get(time.Second)
		item2, _ := q.Get(time.Second)

		select {
		case <-joined:
			Fail("join returned before tasks were marked done")
		case <-time.After(20 * time.Millisecond):
		}

		Expect(q.TaskDone(item1.Key)).To(Succeed())
		Expect(q.TaskDone(item2.Key)).To(Succeed())

		Eventually(joined).Should(BeClosed())
	})

	It("discards deferred puts made while a join is in progress", func() {
		Expect(q.Put("a", "k", 0, false)).To(Succeed())
		item, _ := q.Get(time.Second)

		joined := make(chan struct{})
		go func() {
			q.Join()
			close(joined)
		}()

		time.Sleep(10 * time.Millisecond)
		Expect(q.Put("deferred-during-join", "k", 10*time.Millisecond, false)).To(Succeed())
		Expect(q.TaskDone(item.Key)).To(Succeed())

		Eventually(joined).Should(BeClosed())
		Expect(q.Qsize()).To(Equal(0))
	})
})
