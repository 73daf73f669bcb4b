package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ereOn/pylar/internal/discovery"
	"github.com/ereOn/pylar/internal/zmqtransport"
	"github.com/ereOn/pylar/pkg/broker"
	"github.com/ereOn/pylar/pkg/ppe"
)

const defaultSharedSecret = "pylar"

func newRunCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the broker",
		Long: `Starts the Pylar broker: a ROUTER socket accepting connections from
services and clients, a shared domain registry, and request/notification
forwarding between them.

Flags, environment variables, and config-file keys
  Flag                   Env var                     Config key
  ─────────────────────────────────────────────────────────────
  --listen               PYLAR_LISTEN                listen
  --shared-secret        PYLAR_SHARED_SECRET         shared-secret
  --connection-timeout   PYLAR_CONNECTION_TIMEOUT    connection-timeout
  --discovery            PYLAR_DISCOVERY             discovery
  --discovery-port       PYLAR_DISCOVERY_PORT        discovery-port
  --discovery-group      PYLAR_DISCOVERY_GROUP       discovery-group
  --log-level            PYLAR_LOG_LEVEL             log-level
  --log-format           PYLAR_LOG_FORMAT            log-format
  --config               (flag only)

Config file search order (first found wins; --config skips the search)
  /etc/pylar-broker/pylar-broker.toml
  $HOME/.config/pylar-broker/pylar-broker.toml

Precedence: defaults → config file → PYLAR_* env vars → CLI flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runBroker(v) },
	}

	f := cmd.Flags()
	f.StringSlice("listen", []string{"tcp://0.0.0.0:9740"}, "ROUTER endpoint(s) to bind (repeatable)")
	f.String("shared-secret", "", `shared secret services authenticate with.
	If unset, defaults to "pylar" -- fine for local development, not for anything reachable off-box.`)
	f.Duration("connection-timeout", 10*time.Second, "silent-connection dying timer")
	f.Bool("discovery", false, "announce this broker and collect sibling sightings over UDP multicast")
	f.Int("discovery-port", discovery.DefaultPort, "UDP multicast port for broker discovery")
	f.String("discovery-group", discovery.DefaultGroup, "UDP multicast group for broker discovery")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runBroker(v *viper.Viper) error {
	logger := setupLogging(v)

	endpoints := v.GetStringSlice("listen")
	if len(endpoints) == 0 {
		return fmt.Errorf("no --listen endpoint configured")
	}

	secret := v.GetString("shared-secret")
	if secret == "" {
		secret = defaultSharedSecret
	}

	connTimeout := v.GetDuration("connection-timeout")

	b := broker.New([]byte(secret), connTimeout, logger)

	logger.Info("pylar-broker starting",
		"version", Version,
		"listen", strings.Join(endpoints, ","),
		"uid", b.UID,
		"connection_timeout", connTimeout,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go b.Run(ctx)

	router, err := zmqtransport.NewRouter(endpoints, func(identity []byte, transport ppe.Transport) {
		conn := b.Accept(identity, transport)
		go conn.Engine().Run(ctx)
	})
	if err != nil {
		return fmt.Errorf("binding %v: %w", endpoints, err)
	}

	if v.GetBool("discovery") {
		if err := runDiscovery(ctx, v, b, endpoints[0], logger); err != nil {
			logger.Warn("discovery beacon unavailable", "error", err)
		}
	}

	logger.Info("listening", "endpoints", endpoints)

	err = router.Run(ctx)
	if err != nil && ctx.Err() != nil {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func runDiscovery(ctx context.Context, v *viper.Viper, b *broker.Broker, advertisedEndpoint string, logger *slog.Logger) error {
	bc, err := discovery.New(v.GetInt("discovery-port"), v.GetString("discovery-group"))
	if err != nil {
		return err
	}
	bc.NoEcho()

	go func() {
		<-ctx.Done()
		bc.Close()
	}()

	bc.Publish(ctx, b.UID, advertisedEndpoint)
	bc.Listen(ctx, b.UID)

	go func() {
		for sighting := range bc.Sightings() {
			logger.Debug("sibling broker sighted", "broker_uid", sighting.BrokerUID, "endpoint", sighting.Endpoint, "from", sighting.Addr)
		}
	}()

	logger.Info("discovery beacon enabled", "port", v.GetInt("discovery-port"), "group", v.GetString("discovery-group"))
	return nil
}
