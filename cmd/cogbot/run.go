package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/toolink/cogbot/admin"
	"github.com/toolink/cogbot/command"
	"github.com/toolink/cogbot/config"
	"github.com/toolink/cogbot/control"
	"github.com/toolink/cogbot/depreg"
	"github.com/toolink/cogbot/devtools"
	"github.com/toolink/cogbot/extension"
	"github.com/toolink/cogbot/fleet"
	"github.com/toolink/cogbot/gateway"
	"github.com/toolink/cogbot/limiter"
	"github.com/toolink/cogbot/pubsub"
	"github.com/toolink/cogbot/redlock"
	"github.com/toolink/cogbot/supervisor"
)

const shutdownTimeout = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the gateway and serve commands",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		if err := conf.RequireToken(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runBot(ctx, conf)
	},
}

func runBot(ctx context.Context, conf *config.Config) error {
	var rdb *redis.Client
	if conf.RedisAddr != "" {
		var err error
		if rdb, err = newRedisClient(conf); err != nil {
			return err
		}
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}

	var brokerOpts []pubsub.BrokerOption
	if conf.Broker == config.BrokerRedis {
		brokerOpts = append(brokerOpts, pubsub.WithRedisClient(rdb))
	}
	broker := pubsub.New(brokerOpts...)
	defer broker.Close()

	store := limiter.NewMemoryStore()
	if conf.Limiter.StorageType == limiter.StorageRedis {
		store = limiter.NewRedisStore(rdb)
	}
	syncLimiter := limiter.New(conf.Limiter, store)

	client := gateway.New(gateway.Config{
		URL:              conf.GatewayURL,
		Token:            conf.Token,
		HandshakeTimeout: conf.HandshakeTimeout,
	}, broker)
	tree := command.NewTree(command.Throttled(client, syncLimiter, limiter.KeyCommandSync))

	services := depreg.New()
	services.Set(client, broker)

	catalog := extension.NewCatalog()
	if err := devtools.Register(catalog); err != nil {
		return err
	}

	managerOpts := []extension.Option{
		extension.WithServices(services),
		extension.WithBroker(broker),
	}
	if rdb != nil {
		managerOpts = append(managerOpts, extension.WithLocker(redlock.NewLocker(rdb, redlock.DefaultKey)))
	}
	manager := extension.NewManager(catalog, tree, managerOpts...)

	adminSrv := admin.NewServer(conf.AdminAddr)
	if err := adminSrv.Listen(); err != nil {
		return err
	}

	sup := supervisor.New(
		supervisor.Config{
			Defaults: conf.ExtensionIDs(),
			Presence: gateway.Presence{Status: conf.PresenceStatus, Activity: conf.PresenceActivity},
		},
		client, manager, tree,
		supervisor.WithStatus(adminSrv),
		supervisor.WithRouter(command.NewRouter(tree, client)),
	)
	if err := sup.Attach(ctx, broker); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return adminSrv.Serve(gctx) })
	g.Go(func() error { return client.Run(gctx) })

	if rdb != nil {
		g.Go(func() error { return control.NewConsumer(rdb, manager).Run(gctx) })

		instances := fleet.NewRegistry(rdb)
		self := fleet.NewInstance(adminSrv.Addr())
		state := func(inst *fleet.Instance) {
			inst.SessionID = client.SessionID()
			inst.Extensions = inst.Extensions[:0]
			for _, id := range manager.Loaded() {
				inst.Extensions = append(inst.Extensions, string(id))
			}
		}
		if err := instances.Register(ctx, self, state); err != nil {
			log.Warn().Err(err).Msg("failed to register in fleet")
		} else {
			defer func() {
				dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := instances.Deregister(dctx); err != nil {
					log.Warn().Err(err).Msg("failed to leave fleet")
				}
			}()
		}
	}

	log.Info().Str("gateway", conf.GatewayURL).Str("admin", adminSrv.Addr()).Msg("cogbot starting")
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("extension shutdown reported errors")
	}
	if err := sup.Detach(shutdownCtx, broker); err != nil {
		log.Warn().Err(err).Msg("failed to detach supervisor")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error().Err(runErr).Msg("cogbot stopped with error")
		return runErr
	}
	log.Info().Msg("cogbot stopped")
	return nil
}
