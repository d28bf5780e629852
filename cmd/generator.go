package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/mirra/internal/producer"
	"procodus.dev/mirra/pkg/macaddr"
)

var generatorCmd = &cobra.Command{
	Use:   "generator",
	Short: "Run the gateway simulator",
	Long: `Run the gateway simulator that:
- Simulates gateways with randomly generated sensor nodes
- Encodes node readings as MIRRA frames
- Publishes frames over MQTT or to a RabbitMQ topic exchange`,
	RunE: runGenerator,
}

func init() {
	rootCmd.AddCommand(generatorCmd)

	f := generatorCmd.Flags()
	f.String("transport", producer.TransportMQTT, "publish transport (mqtt, amqp)")
	f.String("broker", "tcp://localhost:1883", "MQTT broker or RabbitMQ URL")
	f.String("username", "", "MQTT username")
	f.String("password", "", "MQTT password")
	f.String("exchange", "amq.topic", "RabbitMQ exchange for the amqp transport")
	f.String("prefix", producer.DefaultPrefix, "topic namespace")
	f.StringSlice("gateways", nil, "gateway addresses to simulate (random when empty)")
	f.Int("producer-count", 3, "number of random gateways")
	f.Int("nodes", 0, "nodes per gateway (random 1-5 when 0)")
	f.Duration("interval", 5*time.Second, "interval between frames per gateway")
	f.Bool("metrics", false, "register Prometheus metrics")

	bindings := map[string]string{
		"generator.transport":      "transport",
		"generator.broker":         "broker",
		"generator.username":       "username",
		"generator.password":       "password",
		"generator.exchange":       "exchange",
		"generator.prefix":         "prefix",
		"generator.gateways":       "gateways",
		"generator.producer_count": "producer-count",
		"generator.nodes":          "nodes",
		"generator.interval":       "interval",
		"generator.metrics":        "metrics",
	}
	for key, flag := range bindings {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func runGenerator(_ *cobra.Command, _ []string) error {
	logger := GetLogger("generator")
	logger.Info("starting generator service")

	var gateways []macaddr.Address
	for _, s := range viper.GetStringSlice("generator.gateways") {
		addr, err := macaddr.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid gateway address: %w", err)
		}
		gateways = append(gateways, addr)
	}

	config := &producer.ServerConfig{
		Logger:          logger,
		Transport:       viper.GetString("generator.transport"),
		BrokerURL:       viper.GetString("generator.broker"),
		Username:        viper.GetString("generator.username"),
		Password:        viper.GetString("generator.password"),
		Exchange:        viper.GetString("generator.exchange"),
		Prefix:          viper.GetString("generator.prefix"),
		Gateways:        gateways,
		ProducerCount:   viper.GetInt("generator.producer_count"),
		NodesPerGateway: viper.GetInt("generator.nodes"),
		Interval:        viper.GetDuration("generator.interval"),
		MetricsEnabled:  viper.GetBool("generator.metrics"),
	}

	server, err := producer.NewServer(config)
	if err != nil {
		logger.Error("failed to create generator server", "error", err)
		return err
	}

	logger.Info("generator server configuration",
		"transport", config.Transport,
		"broker", config.BrokerURL,
		"gateways", len(gateways),
		"producer_count", config.ProducerCount,
		"interval", config.Interval,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("generator server error", "error", err)
		return err
	}

	logger.Info("generator server stopped")
	return nil
}
