package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbflow/arbflow/pkg/domain"
	"github.com/arbflow/arbflow/pkg/streambus"
)

var redisURL string

func main() {
	root := &cobra.Command{
		Use:   "arbctl",
		Short: "Operational CLI for the arbitrage control plane",
	}
	defaultURL := os.Getenv("REDIS_URL")
	if defaultURL == "" {
		defaultURL = "redis://localhost:6379/0"
	}
	root.PersistentFlags().StringVar(&redisURL, "redis", defaultURL, "redis connection URL")

	root.AddCommand(leaderCmd(), streamsCmd(), dlqCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect() (*streambus.RedisBus, context.Context, context.CancelFunc, error) {
	bus, err := streambus.NewRedisBus(redisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	return bus, ctx, cancel, nil
}

func leaderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leader",
		Short: "Show the current coordinator leader",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, ctx, cancel, err := connect()
			if err != nil {
				return err
			}
			defer cancel()
			defer bus.Close()

			holder, err := bus.Get(ctx, domain.LeaderLockKey)
			if err != nil {
				return err
			}
			if holder == "" {
				fmt.Println("no leader elected")
				return nil
			}
			fmt.Println(holder)
			return nil
		},
	}
}

func streamsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "streams",
		Short: "Show entry and pending counts for the well-known streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, ctx, cancel, err := connect()
			if err != nil {
				return err
			}
			defer cancel()
			defer bus.Close()

			type streamGroup struct {
				stream string
				group  string
			}
			targets := []streamGroup{
				{domain.StreamHealth, domain.CoordinatorGroup},
				{domain.StreamOpportunities, domain.CoordinatorGroup},
				{domain.StreamFastLane, domain.CoordinatorGroup},
				{domain.StreamWhaleAlerts, domain.CoordinatorGroup},
				{domain.StreamSwapEvents, domain.CoordinatorGroup},
				{domain.StreamVolumeAggregates, domain.CoordinatorGroup},
				{domain.StreamPriceUpdates, domain.CoordinatorGroup},
				{domain.StreamExecutionReqs, domain.ExecutionEngineGroup},
				{domain.StreamDeadLetter, ""},
				{domain.StreamForwardingDLQ, ""},
			}

			fmt.Printf("%-30s %10s %10s\n", "STREAM", "ENTRIES", "PENDING")
			for _, t := range targets {
				length, err := bus.Len(ctx, t.stream)
				if err != nil {
					return err
				}
				var pending int64
				if t.group != "" {
					summary, err := bus.PendingSummary(ctx, t.stream, t.group)
					if err == nil {
						for _, c := range summary {
							pending += c.Count
						}
					}
				}
				fmt.Printf("%-30s %10d %10d\n", t.stream, length, pending)
			}
			return nil
		},
	}
}

func dlqCmd() *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Peek the newest dead-letter records",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, ctx, cancel, err := connect()
			if err != nil {
				return err
			}
			defer cancel()
			defer bus.Close()

			msgs, err := bus.Tail(ctx, domain.StreamDeadLetter, limit)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Println("dead-letter queue is empty")
				return nil
			}
			for _, m := range msgs {
				fmt.Printf("%s stream=%s message=%s error=%s\n",
					m.ID,
					m.Fields["originalStream"],
					m.Fields["originalMessageId"],
					m.Fields["error"])
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 10, "number of records to show")
	return cmd
}
