// Package commands implements the logshipper CLI commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Sumatoshi-tech/logshipper/internal/checkpoint"
	"github.com/Sumatoshi-tech/logshipper/internal/config"
	"github.com/Sumatoshi-tech/logshipper/internal/dedup"
	"github.com/Sumatoshi-tech/logshipper/internal/ingest"
	"github.com/Sumatoshi-tech/logshipper/internal/objstore"
	"github.com/Sumatoshi-tech/logshipper/internal/observability"
	"github.com/Sumatoshi-tech/logshipper/pkg/version"
)

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	configPath string
	noColor    bool
}

// app holds what a command opens from the configuration.
type app struct {
	cfg       *config.Config
	telemetry observability.Providers
	store     objstore.Service
	logger    *slog.Logger
}

// openApp loads the configuration, starts telemetry and opens the object
// store. Shipping runs validate the whole configuration; maintenance
// commands only need storage.
func openApp(ctx context.Context, g *globalFlags, mode observability.AppMode, logOut io.Writer) (*app, error) {
	var (
		cfg *config.Config
		err error
	)

	if mode == observability.ModeRun {
		cfg, err = config.Load(g.configPath)
	} else {
		cfg, err = config.Read(g.configPath)
		if err == nil {
			err = cfg.ValidateMaintenance()
			if err != nil {
				err = fmt.Errorf("invalid configuration: %w", err)
			}
		}
	}

	if err != nil {
		return nil, err
	}

	telCfg := cfg.Telemetry(mode, version.Version)
	telCfg.LogOutput = logOut

	providers, err := observability.Init(telCfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	store, err := objstore.Open(ctx, cfg.Storage.Connection)
	if err != nil {
		shutdownErr := providers.Shutdown(ctx)

		return nil, errors.Join(fmt.Errorf("open storage: %w", err), shutdownErr)
	}

	return &app{cfg: cfg, telemetry: providers, store: store, logger: providers.Logger}, nil
}

// close releases the store and flushes telemetry.
func (a *app) close(ctx context.Context) {
	err := a.store.Close()
	if err != nil {
		a.logger.WarnContext(ctx, "close storage", "error", err)
	}

	err = a.telemetry.Shutdown(context.WithoutCancel(ctx))
	if err != nil {
		a.logger.WarnContext(ctx, "flush telemetry", "error", err)
	}
}

func (a *app) checkpoints() *checkpoint.Store {
	return checkpoint.NewStore(a.store.Container(a.cfg.Checkpoint.Container), a.cfg.Checkpoint.Blob, a.logger)
}

func (a *app) openIndex(ctx context.Context) (*dedup.SQLiteIndex, error) {
	idx, err := dedup.OpenSQLite(ctx, a.cfg.Dedup.Path, dedup.SQLiteOptions{
		Table:     a.cfg.Dedup.Table,
		Partition: a.cfg.Dedup.Partition,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open dedup index: %w", err)
	}

	return idx, nil
}

// newClient builds the configured sink. The returned func releases it.
func (a *app) newClient() (ingest.Client, func(), error) {
	ic := a.cfg.Ingest

	switch ic.Sink {
	case ingest.SinkKafka:
		cl, err := ingest.DialKafka(ingest.KafkaConfig{
			Brokers:      ic.Kafka.Brokers,
			Topic:        ic.Kafka.Topic,
			ClientID:     ic.Kafka.ClientID,
			SASLUser:     ic.Kafka.SASLUser,
			SASLPassword: ic.Kafka.SASLPassword,
			TLS:          ic.Kafka.TLS,
		})
		if err != nil {
			return nil, nil, err
		}

		sink, err := ingest.NewKafkaSink(cl, ic.Kafka.Topic, ic.RequestTimeout, a.cfg.RetryPolicy(), a.logger)
		if err != nil {
			cl.Close()

			return nil, nil, err
		}

		return sink, cl.Close, nil
	default:
		client, err := ingest.NewHTTPClient(ingest.HTTPOptions{
			URL:            ic.URL,
			Token:          ic.Token,
			RequestTimeout: ic.RequestTimeout,
			Policy:         a.cfg.RetryPolicy(),
			Logger:         a.logger,
		})
		if err != nil {
			return nil, nil, err
		}

		return client, func() {}, nil
	}
}
