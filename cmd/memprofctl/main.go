// Command memprofctl is an operator tool for talking to a running broker:
// subscribe, publish, and receive against its line protocol (spec.md
// §4.G). Command-table shape grounded on
// cmd/cli/commands/{bucket.go,list_hdlr.go}'s cli.Command{Name, Usage,
// Action, Flags} style, rewritten from bucket/object verbs to broker verbs.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/habycr/memprof/cmn"
)

var (
	addrFlag = cli.StringFlag{Name: "addr", Value: "127.0.0.1:5000", Usage: "broker address"}
	appFlag  = cli.StringFlag{Name: "app-id", Value: "memprofctl", Usage: "appId to identify this client"}
)

func main() {
	app := cli.NewApp()
	app.Name = "memprofctl"
	app.Usage = "operate on a running memprof broker"
	app.Commands = []cli.Command{
		{
			Name:      "subscribe",
			Usage:     "subscribe to a topic",
			ArgsUsage: "TOPIC",
			Flags:     []cli.Flag{addrFlag, appFlag},
			Action:    subscribeHandler,
		},
		{
			Name:      "publish",
			Usage:     "publish a payload to a topic",
			ArgsUsage: "TOPIC PAYLOAD",
			Flags:     []cli.Flag{addrFlag, appFlag},
			Action:    publishHandler,
		},
		{
			Name:      "receive",
			Usage:     "receive the next queued payload for a topic",
			ArgsUsage: "TOPIC",
			Flags:     []cli.Flag{addrFlag, appFlag},
			Action:    receiveHandler,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "memprofctl: %v\n", err)
		os.Exit(1)
	}
}

func subscribeHandler(c *cli.Context) error {
	topic := c.Args().First()
	if topic == "" {
		return fmt.Errorf("missing TOPIC argument")
	}
	reply, err := sendCommand(c, "SUBSCRIBE", topic, c.String("app-id"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, reply)
	return nil
}

func publishHandler(c *cli.Context) error {
	if c.NArg() < 2 {
		return fmt.Errorf("usage: memprofctl publish TOPIC PAYLOAD")
	}
	topic, payload := c.Args().Get(0), c.Args().Get(1)
	reply, err := sendCommand(c, "PUBLISH", topic, payload, c.String("app-id"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, reply)
	return nil
}

func receiveHandler(c *cli.Context) error {
	topic := c.Args().First()
	if topic == "" {
		return fmt.Errorf("missing TOPIC argument")
	}
	reply, err := sendCommand(c, "RECEIVE", topic, c.String("app-id"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, reply)
	return nil
}

// sendCommand dials the broker, writes one percent-encoded, pipe-delimited
// command line (spec.md §4.G), and returns its single-line reply.
func sendCommand(c *cli.Context, name string, fields ...string) (string, error) {
	conn, err := net.DialTimeout("tcp", c.String("addr"), 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	all := append([]string{name}, fields...)
	line := cmn.EncodeFields(all...)
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return "", err
	}
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return reply[:len(reply)-1], nil
}
