package kbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/edgeflare/kbridge/pkg/bridge"
	"github.com/edgeflare/kbridge/pkg/broker"
	"github.com/edgeflare/kbridge/pkg/envelope"
	"github.com/spf13/cobra"
)

var produceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Publish one envelope and wait for its delivery report",
	Long: `Publishes one envelope directly to the broker, bypassing HTTP, and waits until the broker
acknowledges or rejects it. Exits non-zero when delivery fails. Omitted fields are sent as null.`,
	Example: `  kbridge produce --field1 hello --field2 world
  kbridge produce --driver nats --brokers nats://localhost:4222 --field1 hello`,
	RunE: runProduce,
}

func init() {
	f := produceCmd.Flags()
	f.String("field1", "", "value of field1")
	f.String("field2", "", "value of field2")
	rootCmd.AddCommand(produceCmd)
}

// envelopeFromFlags leaves a field nil unless its flag was given.
func envelopeFromFlags(cmd *cobra.Command) envelope.Envelope {
	var env envelope.Envelope
	if cmd.Flags().Changed("field1") {
		v, _ := cmd.Flags().GetString("field1")
		env.Field1 = &v
	}
	if cmd.Flags().Changed("field2") {
		v, _ := cmd.Flags().GetString("field2")
		env.Field2 = &v
	}
	return env
}

func runProduce(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := broker.Open(ctx, cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	deliveries := make(chan bridge.Delivery, 1)
	observer := bridge.MultiObserver{
		bridge.NewLogObserver(logger),
		bridge.ObserverFunc(func(d bridge.Delivery) { deliveries <- d }),
	}

	accepted, err := bridge.New(client, observer, logger).Publish(ctx, cfg.Broker.Topic, envelopeFromFlags(cmd))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), accepted)

	// drivers report a delivery timeout themselves; the margin covers their dispatch
	wait := cfg.Broker.DeliveryTimeout + 5*time.Second
	select {
	case d := <-deliveries:
		if d.Err != nil {
			return fmt.Errorf("delivery failed: %w", d.Err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Delivered to partition %d at offset %d\n", d.Partition, d.Offset)
		return nil
	case <-time.After(wait):
		return fmt.Errorf("no delivery report after %s", wait)
	case <-ctx.Done():
		return ctx.Err()
	}
}
