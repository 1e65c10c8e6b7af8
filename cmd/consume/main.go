// Command consume is a demo worker: it connects to a BRQueue broker,
// authenticates, and either pops messages one at a time or subscribes
// to a stream of deliveries, acknowledging each before asking for the
// next (adapted from the teacher's consumer command, cmd/consumer).
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/GiorgosMarga/brqueue/internal/client"
	"github.com/spf13/cobra"
)

func main() {
	var (
		addr         string
		username     string
		password     string
		capabilities []string
		wait         bool
		subscribe    bool
		count        int
	)

	rootCmd := &cobra.Command{
		Use:   "consume",
		Short: "Pop or subscribe to messages from a BRQueue broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.Dial(addr, username, password)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer c.Close()

			if subscribe {
				return runSubscribe(c, capabilities, count)
			}
			return runPop(c, capabilities, wait, count)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1:7777", "broker address")
	flags.StringVar(&username, "user", "guest", "credential username")
	flags.StringVar(&password, "password", "guest", "credential password")
	flags.StringSliceVar(&capabilities, "capability", nil, "advertised capability (repeatable)")
	flags.BoolVar(&wait, "wait", true, "block until a message is available (pop mode only)")
	flags.BoolVar(&subscribe, "subscribe", false, "use the streaming Subscribe RPC instead of repeated Pop")
	flags.IntVar(&count, "count", 1, "number of messages to consume before exiting")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runPop(c *client.Client, capabilities []string, wait bool, count int) error {
	for i := 0; i < count; i++ {
		id, payload, hadResult, err := c.Pop(capabilities, wait)
		if err != nil {
			return fmt.Errorf("pop failed: %w", err)
		}
		if !hadResult {
			fmt.Println("no message available")
			continue
		}
		fmt.Printf("received id=%s payload=%q\n", id, payload)
		if err := c.Acknowledge(id); err != nil {
			log.Printf("acknowledge failed for %s: %v", id, err)
		}
	}
	return nil
}

func runSubscribe(c *client.Client, capabilities []string, count int) error {
	deliveries, err := c.Subscribe(capabilities, int32(count))
	if err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	for d := range deliveries {
		fmt.Printf("received id=%s payload=%q\n", d.ID, d.Payload)
		if err := c.Acknowledge(d.ID); err != nil {
			log.Printf("acknowledge failed for %s: %v", d.ID, err)
		}
	}
	return nil
}
