package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ledgertail/ledgertail/bootstrap"
	"github.com/ledgertail/ledgertail/cache"
	"github.com/ledgertail/ledgertail/circle"
	"github.com/ledgertail/ledgertail/mirror"
	"github.com/ledgertail/ledgertail/recognition"
	"github.com/ledgertail/ledgertail/registry"
	"github.com/ledgertail/ledgertail/service"
)

//NewRunCmd returns the command that starts the ledgertail daemon
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run daemon",
		PreRunE: loadConfig,
		RunE:    runLedgertail,
	}
	AddRunFlags(cmd)
	return cmd
}

func runLedgertail(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	var store cache.Store
	if _config.Store {
		badgerStore, err := cache.NewBadgerStore(_config.DatabaseDir)
		if err != nil {
			logger.Error("Cannot open database:", err)
			return err
		}
		store = badgerStore
	} else {
		store = cache.NewInmemStore()
	}
	defer store.Close()

	projCache, err := cache.NewProjectionCache(store, logger)
	if err != nil {
		logger.Error("Cannot initialize projection cache:", err)
		return err
	}

	orch := bootstrap.NewOrchestrator(
		bootstrap.Config{
			SessionID:      _config.SessionID,
			StaleThreshold: _config.StaleThreshold,
		},
		projCache,
		registry.NewResolver(
			_config.RegistryID,
			_config.RegistryURL,
			registry.DefaultFallbackTopics(),
			projCache,
			logger,
		),
		mirror.NewClient(_config.MirrorURL, logger),
		recognition.NewResolver(_config.PendingLimit, logger),
		circle.NewProjection(logger),
		logger,
	)

	res, err := orch.Bootstrap(context.Background())
	if err != nil {
		logger.Error("Bootstrap failed:", err)
		return err
	}

	logger.WithFields(logrus.Fields{
		"registry_id": res.RegistryID,
		"degraded":    res.Degraded,
		"rotated":     res.Rotated,
		"signals":     len(res.CachedSignals),
		"stale":       res.Freshness.IsStale,
	}).Info("Bootstrap complete")

	// One stream client per resolved topic, each feeding the orchestrator.
	watermarks := orch.Watermarks()

	streams := []*mirror.StreamClient{}
	for name, topicID := range res.ResolvedTopics {
		sc, err := mirror.NewStreamClient(mirror.StreamConfig{
			BaseURL:           _config.StreamURL,
			TopicID:           topicID,
			HeartbeatInterval: _config.HeartbeatInterval,
			BackoffFloor:      _config.BackoffFloor,
			BackoffCeiling:    _config.BackoffCeiling,
			Logger:            logger.WithField("topic", name),
		}, watermarks[topicID])
		if err != nil {
			logger.Error("Cannot initialize stream client:", err)
			return err
		}

		sc.Start()
		streams = append(streams, sc)

		go func(sc *mirror.StreamClient) {
			for ev := range sc.Events() {
				orch.Ingest(ev)
			}
		}(sc)
	}

	if !_config.NoService {
		apiService := service.NewService(_config.ServiceAddr, orch, logger)
		go apiService.Serve()
	}

	// Streams stop before the orchestrator so that no event arrives after
	// the final commit; the store closes last.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down")

	for _, sc := range streams {
		sc.Stop()
	}

	orch.Shutdown()

	return nil
}

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Duplicate log output to this file")

	// Mirror node
	cmd.Flags().String("mirror", _config.MirrorURL, "Base URL of the mirror node REST API")
	cmd.Flags().String("stream", _config.StreamURL, "ws/wss URL of the mirror node streaming endpoint")
	cmd.Flags().Duration("heartbeat", _config.HeartbeatInterval, "Ping cadence on stream connections")
	cmd.Flags().Duration("backoff-floor", _config.BackoffFloor, "Initial stream reconnect delay")
	cmd.Flags().Duration("backoff-ceiling", _config.BackoffCeiling, "Max stream reconnect delay")

	// Registry
	cmd.Flags().String("registry", _config.RegistryID, "Ledger id of the topic registry")
	cmd.Flags().String("registry-url", _config.RegistryURL, "Base URL of the registry resolution service")

	// Session
	cmd.Flags().String("session", _config.SessionID, "Stable session id for warm bootstraps")
	cmd.Flags().Duration("stale-threshold", _config.StaleThreshold, "Cache age beyond which hydrated data is stale")
	cmd.Flags().Int("pending-limit", _config.PendingLimit, "Max recognition instances waiting for a definition")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Dabatabase directory")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	logFields := logrus.Fields{
		"DataDir":           _config.DataDir,
		"LogLevel":          _config.LogLevel,
		"ServiceAddr":       _config.ServiceAddr,
		"NoService":         _config.NoService,
		"MirrorURL":         _config.MirrorURL,
		"StreamURL":         _config.StreamURL,
		"RegistryID":        _config.RegistryID,
		"RegistryURL":       _config.RegistryURL,
		"SessionID":         _config.SessionID,
		"StaleThreshold":    _config.StaleThreshold,
		"PendingLimit":      _config.PendingLimit,
		"HeartbeatInterval": _config.HeartbeatInterval,
		"Store":             _config.Store,
	}

	if _config.Store {
		logFields["DatabaseDir"] = _config.DatabaseDir
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/ledgertail.toml (.json, .yaml also work)
	viper.SetConfigName("ledgertail")    // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
