// Command brokerd runs a standalone pub/sub broker (spec.md §4.G).
package main

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/urfave/cli"

	"github.com/habycr/memprof/broker"
)

func main() {
	app := cli.NewApp()
	app.Name = "brokerd"
	app.Usage = "run the memprof pub/sub broker"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "host", Value: "0.0.0.0", Usage: "listen host"},
		cli.IntFlag{Name: "port", Value: 5000, Usage: "listen port"},
		cli.DurationFlag{Name: "idle-timeout", Value: 2 * time.Minute, Usage: "idle live-socket prune interval"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		glog.Errorf("brokerd: %v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	addr := net.JoinHostPort(c.String("host"), strconv.Itoa(c.Int("port")))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	glog.Infof("brokerd: listening on %s", addr)
	b := broker.New(c.Duration("idle-timeout"))
	return b.Serve(ln)
}
