// Command memprofd is a synthetic demo workload: it drives a churn of
// allocations and deliberate leaks across a handful of synthetic source
// files, streaming snapshots to a viewer (or broker). Grounded on
// original_source/examples/demo_leaks.cpp's shape: two background
// "worker" goroutines doing small/medium churn attributable to distinct
// files, plus a batch of local long-lived allocations that survive past
// the leak threshold before a fraction of them are freed.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/urfave/cli"

	"github.com/habycr/memprof"
)

func main() {
	app := cli.NewApp()
	app.Name = "memprofd"
	app.Usage = "run a synthetic allocation workload against a memprof viewer or broker"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "host", Value: "127.0.0.1", Usage: "viewer/broker host"},
		cli.IntFlag{Name: "port", Value: 7070, Usage: "viewer port (or broker port with --broker)"},
		cli.BoolFlag{Name: "broker", Usage: "publish through a broker instead of a direct viewer stream"},
		cli.StringFlag{Name: "topic", Value: "MEMORY_UPDATE", Usage: "broker topic, when --broker is set"},
		cli.StringFlag{Name: "app-id", Value: "memprofd", Usage: "broker appId, when --broker is set"},
		cli.BoolFlag{Name: "compress", Usage: "compress the outbound stream with lz4"},
		cli.DurationFlag{Name: "duration", Value: 9 * time.Second, Usage: "how long to run the demo workload"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		glog.Errorf("memprofd: %v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Int("port") == 0 {
		return fmt.Errorf("--port is required")
	}

	rc := memprof.Init(memprof.Config{
		Host:        c.String("host"),
		Port:        c.Int("port"),
		UseBroker:   c.Bool("broker"),
		BrokerTopic: c.String("topic"),
		AppID:       c.String("app-id"),
		Compress:    c.Bool("compress"),
	})
	rc.Builder.Start()
	defer memprof.Shutdown()

	fmt.Println("memprofd: started; generating allocations and a few leaks...")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); workerSmallChurn(stop) }()
	go func() { defer wg.Done(); workerMediumMixed(stop) }()

	keep := localLongLivedAllocs(200)

	fmt.Println("memprofd: waiting for leak classification...")
	time.Sleep(4 * time.Second)

	for i := 0; i < len(keep); i += 5 {
		memprof.RecordFree(keep[i])
	}

	remaining := c.Duration("duration") - 4*time.Second
	if remaining > 0 {
		fmt.Println("memprofd: running remainder of the demo, streaming snapshots...")
		time.Sleep(remaining)
	}

	close(stop)
	wg.Wait()

	fmt.Println("memprofd: done.")
	return nil
}

// workerSmallChurn allocates and frees small blocks rapidly, attributing
// every event to this file — leaks here are rare (roughly 1 in 10
// survive), mirroring alloc_a.cpp's churn pattern in the original demo.
func workerSmallChurn(stop <-chan struct{}) {
	var ptr uint64 = 0x1000
	for {
		select {
		case <-stop:
			return
		default:
		}
		size := uint64(32 + rand.Intn(256))
		memprof.RecordAlloc(ptr, size, "worker_small_churn.go", 42)
		if rand.Intn(10) != 0 {
			memprof.RecordFree(ptr)
		}
		ptr++
		time.Sleep(5 * time.Millisecond)
	}
}

// workerMediumMixed allocates medium blocks with a higher leak rate
// (~1 in 4), mirroring alloc_b.cpp.
func workerMediumMixed(stop <-chan struct{}) {
	var ptr uint64 = 0x2000
	for {
		select {
		case <-stop:
			return
		default:
		}
		size := uint64(1024 + rand.Intn(8192))
		memprof.RecordAlloc(ptr, size, "worker_medium_mixed.go", 17)
		if rand.Intn(4) != 0 {
			memprof.RecordFree(ptr)
		}
		ptr++
		time.Sleep(20 * time.Millisecond)
	}
}

// localLongLivedAllocs allocates n blocks attributed to this file, sized
// 1-64KiB, none of them freed until the caller frees a fraction of them
// after the leak threshold has passed — mirroring demo_leaks.cpp's local
// `keep` vector.
func localLongLivedAllocs(n int) []uint64 {
	ptrs := make([]uint64, 0, n)
	var ptr uint64 = 0x3000
	for i := 0; i < n; i++ {
		size := uint64(1024 + (i%64)*1024)
		memprof.RecordAlloc(ptr, size, "memprofd_demo.go", 88)
		ptrs = append(ptrs, ptr)
		ptr++
		if i%20 == 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}
	return ptrs
}
