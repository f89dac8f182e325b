package hk

import (
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/atomic"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Housekeeper", func() {
	BeforeEach(func() {
		initCleaner()
	})

	It("fires a registered callback immediately, then again after its returned interval", func() {
		// Reg with no initial delay; the period is whatever the callback
		// itself returns each tick. (snapshot.Builder.Start instead passes
		// its period as the initial delay.)
		fired := false
		Reg("snapshot-tick", func() time.Duration {
			fired = true
			return time.Second
		})

		time.Sleep(20 * time.Millisecond)
		Expect(fired).To(BeTrue()) // first fire has no initial interval
		fired = false

		time.Sleep(500 * time.Millisecond)
		Expect(fired).To(BeFalse())

		time.Sleep(600 * time.Millisecond)
		Expect(fired).To(BeTrue())
	})

	It("honors an initial delay before the first fire", func() {
		// Mirrors broker's idle-session sweep, which shouldn't fire before
		// any session has had a chance to go idle.
		fired := false
		Reg("broker-idle-sweep", func() time.Duration {
			fired = true
			return time.Second
		}, time.Second)

		time.Sleep(500 * time.Millisecond)
		Expect(fired).To(BeFalse())

		time.Sleep(600 * time.Millisecond)
		Expect(fired).To(BeTrue())
	})

	It("runs two independently-scheduled callbacks at their own cadence", func() {
		// snapshot-tick (period ~2s) and broker-idle-sweep (period ~1.5s)
		// running side by side, as they do in a live memprofd/brokerd
		// process.
		fired := make([]bool, 2)
		Reg("snapshot-tick", func() time.Duration {
			fired[0] = true
			return 2 * time.Second
		})
		Reg("broker-idle-sweep", func() time.Duration {
			fired[1] = true
			return time.Second + 500*time.Millisecond
		})

		time.Sleep(20 * time.Millisecond)
		// both fire at registration time (no initial interval)
		for idx := 0; idx < len(fired); idx++ {
			Expect(fired[idx]).To(BeTrue())
			fired[idx] = false
		}

		time.Sleep(600 * time.Millisecond) // ~600ms

		// neither should have fired again yet
		Expect(fired[0] || fired[1]).To(BeFalse())

		time.Sleep(time.Second) // ~1.6s

		// broker-idle-sweep should have fired
		Expect(fired[0]).To(BeFalse())
		Expect(fired[1]).To(BeTrue())
		fired[1] = false

		time.Sleep(500 * time.Millisecond) // ~2.1s

		// snapshot-tick should have fired
		Expect(fired[0]).To(BeTrue())
		Expect(fired[1]).To(BeFalse())

		time.Sleep(time.Second) // ~3.1s

		// broker-idle-sweep should have fired once more
		Expect(fired[0] && fired[1]).To(BeTrue())
	})

	It("stops firing a callback once Unreg is called, leaving the other active", func() {
		fired := make([]bool, 2)
		Reg("broker-idle-sweep", func() time.Duration {
			fired[0] = true
			return 400 * time.Millisecond
		}, 400*time.Millisecond)
		Reg("snapshot-tick", func() time.Duration {
			fired[1] = true
			return 200 * time.Millisecond
		}, 200*time.Millisecond)

		time.Sleep(500 * time.Millisecond)
		Expect(fired[0] && fired[1]).To(BeTrue())

		fired[0] = false
		fired[1] = false
		Unreg("snapshot-tick")

		time.Sleep(time.Second)
		Expect(fired[1]).To(BeFalse())
		Expect(fired[0]).To(BeTrue())

		Unreg("broker-idle-sweep")
	})

	It("supports registering and unregistering several callbacks in sequence", func() {
		var fired bool
		withCallback := func(name string) {
			Expect(fired).To(BeFalse())
			Reg(name, func() time.Duration {
				fired = true
				return 100 * time.Millisecond
			}, 100*time.Millisecond)

			time.Sleep(110 * time.Millisecond)
			Expect(fired).To(BeTrue())

			Unreg(name)
			fired = false
		}

		withCallback("snapshot-tick")
		withCallback("broker-idle-sweep")
		withCallback("consumer-gc")

		time.Sleep(time.Second)
		Expect(fired).To(BeFalse())
	})

	It("fires many independently-scheduled callbacks in the order their intervals elapse", func() {
		// Stand-in for a process running one snapshot builder per
		// connected viewer plus several broker idle sweeps, each on its
		// own period, registered out of order.
		type scheduled struct {
			period  time.Duration
			origIdx int
		}
		const callbackCnt = 30
		var (
			counter   atomic.Int32
			schedules = make([]scheduled, 0, callbackCnt)
			fireOrder = make([]int32, callbackCnt)
		)

		for i := 0; i < callbackCnt; i++ {
			schedules = append(schedules, scheduled{
				period:  50*time.Millisecond + 40*time.Duration(i)*time.Millisecond,
				origIdx: i,
			})
			fireOrder[i] = -1
		}

		rand.Shuffle(callbackCnt, func(i, j int) {
			schedules[i], schedules[j] = schedules[j], schedules[i]
		})

		for i := 0; i < callbackCnt; i++ {
			index := i
			Reg(fmt.Sprintf("worker-%d", index), func() time.Duration {
				if fireOrder[index] == -1 {
					fireOrder[index] = counter.Inc() - 1
				}
				return schedules[index].period
			}, schedules[index].period)
		}

		time.Sleep(callbackCnt * 100 * time.Millisecond)

		for i := 0; i < callbackCnt; i++ {
			Expect(schedules[i].origIdx).To(BeEquivalentTo(fireOrder[i]))
		}
	})
})
