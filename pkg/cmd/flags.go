package cmd

import (
	cli "github.com/urfave/cli/v3"
)

// RuntimeFlags are the backend flags every crucible process accepts.
func RuntimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (postgres://... or file://path)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (local, gochannel, kafka)",
			Value:   "local",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for the cluster-wide recovery lock",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to crucible.yaml",
			Sources: cli.EnvVars("CRUCIBLE_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "otel-endpoint",
			Usage:   "OTLP endpoint; tracing is off when empty",
			Sources: cli.EnvVars("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

func RuntimeOptions(command *cli.Command, serviceName string) Options {
	return Options{
		ServiceName:  serviceName,
		DatabaseURL:  command.String("database-url"),
		EventBus:     command.String("event-bus"),
		KafkaBrokers: command.String("kafka-brokers"),
		RedisURL:     command.String("redis-url"),
		ConfigPath:   command.String("config"),
		OTELEndpoint: command.String("otel-endpoint"),
	}
}
