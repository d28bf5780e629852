package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/mirra/internal/backend"
	"procodus.dev/mirra/internal/ingest"
	"procodus.dev/mirra/internal/provision"
	"procodus.dev/mirra/internal/store"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run the backend server",
	Long: `Run the backend server that:
- Subscribes to gateway frames over MQTT, and optionally RabbitMQ
- Decodes frames and stores measurements in SQLite or PostgreSQL
- Issues gateway access codes and maintains the broker PSK file
- Serves the provisioning and export HTTP API and the gRPC query API`,
	RunE: runBackend,
}

func init() {
	rootCmd.AddCommand(backendCmd)

	f := backendCmd.Flags()
	f.String("db-driver", store.DriverSQLite, "database driver (sqlite, postgres)")
	f.String("db-path", "mirra.db", "SQLite database file")
	f.String("db-host", "localhost", "PostgreSQL host")
	f.Int("db-port", 5432, "PostgreSQL port")
	f.String("db-user", "postgres", "PostgreSQL user")
	f.String("db-password", "", "PostgreSQL password")
	f.String("db-name", "mirra", "PostgreSQL database name")
	f.String("db-sslmode", "disable", "PostgreSQL SSL mode")

	f.Bool("mqtt-enabled", true, "consume frames from the MQTT broker")
	f.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL")
	f.String("mqtt-client-id", backend.DefaultClientID, "MQTT client id")
	f.String("mqtt-username", "", "MQTT username")
	f.String("mqtt-password", "", "MQTT password")
	f.String("mqtt-subscription", backend.DefaultSubscription, "MQTT topic filter")

	f.Bool("amqp-enabled", false, "consume frames from RabbitMQ")
	f.String("amqp-url", "amqp://localhost:5672", "RabbitMQ URL")
	f.String("amqp-queue", "mirra-frames", "RabbitMQ queue name")
	f.String("amqp-exchange", "amq.topic", "exchange the queue is bound to")
	f.String("amqp-binding-key", "mirra.#", "binding key for the queue")

	f.String("influx-url", "", "InfluxDB URL (mirror disabled when empty)")
	f.String("influx-token", "", "InfluxDB token")
	f.String("influx-org", "mirra", "InfluxDB organization")
	f.String("influx-bucket", "mirra", "InfluxDB bucket")

	f.String("broker-command", "", "broker executable to supervise (none when empty)")
	f.StringSlice("broker-args", nil, "arguments for the broker executable")
	f.String("credentials-path", "mirra-psk.txt", "PSK file shared with the broker")

	f.Duration("access-code-ttl", provision.DefaultTTL, "validity of a gateway access code")
	f.Int("workers", ingest.DefaultWorkers, "ingestion workers")
	f.Int("queue-size", ingest.DefaultQueueSize, "ingestion queue capacity")
	f.Int("http-port", 8080, "HTTP server port")
	f.Int("grpc-port", 9090, "gRPC server port")
	f.Bool("metrics", true, "expose Prometheus metrics")

	bindings := map[string]string{
		"backend.db.driver":         "db-driver",
		"backend.db.path":           "db-path",
		"backend.db.host":           "db-host",
		"backend.db.port":           "db-port",
		"backend.db.user":           "db-user",
		"backend.db.password":       "db-password",
		"backend.db.name":           "db-name",
		"backend.db.sslmode":        "db-sslmode",
		"backend.mqtt.enabled":      "mqtt-enabled",
		"backend.mqtt.broker":       "mqtt-broker",
		"backend.mqtt.client_id":    "mqtt-client-id",
		"backend.mqtt.username":     "mqtt-username",
		"backend.mqtt.password":     "mqtt-password",
		"backend.mqtt.subscription": "mqtt-subscription",
		"backend.amqp.enabled":      "amqp-enabled",
		"backend.amqp.url":          "amqp-url",
		"backend.amqp.queue_name":   "amqp-queue",
		"backend.amqp.exchange":     "amqp-exchange",
		"backend.amqp.binding_key":  "amqp-binding-key",
		"backend.influx.url":        "influx-url",
		"backend.influx.token":      "influx-token",
		"backend.influx.org":        "influx-org",
		"backend.influx.bucket":     "influx-bucket",
		"backend.broker.command":    "broker-command",
		"backend.broker.args":       "broker-args",
		"backend.credentials_path":  "credentials-path",
		"backend.access_code_ttl":   "access-code-ttl",
		"backend.ingest.workers":    "workers",
		"backend.ingest.queue_size": "queue-size",
		"backend.http.port":         "http-port",
		"backend.grpc.port":         "grpc-port",
		"backend.metrics.enabled":   "metrics",
	}
	for key, flag := range bindings {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func dbConfigFromViper(cmd string) *store.DBConfig {
	return &store.DBConfig{
		Logger:   GetLogger(cmd),
		Driver:   viper.GetString("backend.db.driver"),
		Path:     viper.GetString("backend.db.path"),
		Host:     viper.GetString("backend.db.host"),
		Port:     viper.GetInt("backend.db.port"),
		User:     viper.GetString("backend.db.user"),
		Password: viper.GetString("backend.db.password"),
		DBName:   viper.GetString("backend.db.name"),
		SSLMode:  viper.GetString("backend.db.sslmode"),
	}
}

func runBackend(_ *cobra.Command, _ []string) error {
	logger := GetLogger("backend")
	logger.Info("starting backend service")

	config := &backend.ServerConfig{
		Logger: logger,
		DB:     dbConfigFromViper("backend"),
		MQTT: backend.MQTTSettings{
			Enabled:      viper.GetBool("backend.mqtt.enabled"),
			BrokerURL:    viper.GetString("backend.mqtt.broker"),
			ClientID:     viper.GetString("backend.mqtt.client_id"),
			Username:     viper.GetString("backend.mqtt.username"),
			Password:     viper.GetString("backend.mqtt.password"),
			Subscription: viper.GetString("backend.mqtt.subscription"),
		},
		AMQP: backend.AMQPSettings{
			Enabled:    viper.GetBool("backend.amqp.enabled"),
			URL:        viper.GetString("backend.amqp.url"),
			QueueName:  viper.GetString("backend.amqp.queue_name"),
			Exchange:   viper.GetString("backend.amqp.exchange"),
			BindingKey: viper.GetString("backend.amqp.binding_key"),
		},
		Influx: backend.InfluxSettings{
			URL:    viper.GetString("backend.influx.url"),
			Token:  viper.GetString("backend.influx.token"),
			Org:    viper.GetString("backend.influx.org"),
			Bucket: viper.GetString("backend.influx.bucket"),
		},
		Broker: backend.BrokerSettings{
			Command: viper.GetString("backend.broker.command"),
			Args:    viper.GetStringSlice("backend.broker.args"),
		},
		CredentialsPath: viper.GetString("backend.credentials_path"),
		AccessCodeTTL:   viper.GetDuration("backend.access_code_ttl"),
		Workers:         viper.GetInt("backend.ingest.workers"),
		QueueSize:       viper.GetInt("backend.ingest.queue_size"),
		HTTPPort:        viper.GetInt("backend.http.port"),
		GRPCPort:        viper.GetInt("backend.grpc.port"),
		MetricsEnabled:  viper.GetBool("backend.metrics.enabled"),
	}

	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create backend server", "error", err)
		return err
	}

	logger.Info("backend server configuration",
		"db_driver", config.DB.Driver,
		"mqtt_enabled", config.MQTT.Enabled,
		"mqtt_broker", config.MQTT.BrokerURL,
		"amqp_enabled", config.AMQP.Enabled,
		"influx_enabled", config.Influx.URL != "",
		"credentials_path", config.CredentialsPath,
		"http_port", config.HTTPPort,
		"grpc_port", config.GRPCPort,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("backend server error", "error", err)
		return err
	}

	logger.Info("backend server stopped")
	return nil
}
