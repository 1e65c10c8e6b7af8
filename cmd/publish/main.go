// Command publish is a demo producer: it connects to a BRQueue broker,
// authenticates, and enqueues messages, optionally many in parallel
// (adapted from the teacher's publisher command, cmd/publisher).
package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/GiorgosMarga/brqueue/internal/client"
	"github.com/GiorgosMarga/brqueue/internal/protocol"
	"github.com/spf13/cobra"
)

func main() {
	var (
		addr         string
		username     string
		password     string
		message      string
		capabilities []string
		high         bool
		count        int
		publishers   int
		delay        int
	)

	rootCmd := &cobra.Command{
		Use:   "publish",
		Short: "Enqueue messages onto a BRQueue broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			priority := protocol.PriorityLow
			if high {
				priority = protocol.PriorityHigh
			}

			wg := &sync.WaitGroup{}
			for p := 0; p < publishers; p++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					c, err := client.Dial(addr, username, password)
					if err != nil {
						log.Printf("[%d]: failed to connect: %v", p, err)
						return
					}
					defer c.Close()

					for i := 0; i < count; i++ {
						id, err := c.Enqueue([]byte(message), priority, capabilities)
						if err != nil {
							log.Printf("[%d]: enqueue failed: %v", p, err)
							return
						}
						fmt.Printf("[%d]: enqueued %d/%d id=%s\n", p, i+1, count, id)

						d := delay
						if d < 0 {
							d = rand.Intn(10)
						}
						time.Sleep(time.Duration(d) * time.Second)
					}
				}(p)
			}
			wg.Wait()
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1:7777", "broker address")
	flags.StringVar(&username, "user", "guest", "credential username")
	flags.StringVar(&password, "password", "guest", "credential password")
	flags.StringVar(&message, "message", "hello from publish", "payload to enqueue")
	flags.StringSliceVar(&capabilities, "capability", nil, "required capability (repeatable)")
	flags.BoolVar(&high, "high", false, "enqueue with HIGH priority (default LOW)")
	flags.IntVar(&count, "count", 1, "messages to send per publisher")
	flags.IntVar(&publishers, "publishers", 1, "number of concurrent publishers")
	flags.IntVar(&delay, "delay", 0, "delay in seconds between messages; -1 for random 0-9s")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
