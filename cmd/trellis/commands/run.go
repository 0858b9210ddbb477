package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trellis-network/trellis/src/crypto/keys"
	"github.com/trellis-network/trellis/src/node"
	"github.com/trellis-network/trellis/src/service"
)

//NewRunCmd returns the command that starts a trellis node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runTrellis,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runTrellis(cmd *cobra.Command, args []string) error {
	keyfile := keys.NewSimpleKeyfile(_config.Keyfile())

	key, err := keyfile.ReadKey()
	if err != nil {
		_config.Logger().Error("Cannot read private key:", err)
		return err
	}

	n, err := node.NewNode(_config, key)
	if err != nil {
		_config.Logger().Error("Cannot initialize node:", err)
		return err
	}

	if err := n.Start(); err != nil {
		_config.Logger().Error("Cannot start node:", err)
		return err
	}

	if !_config.NoService {
		serviceServer := service.NewService(_config.ServiceAddr, n, _config.Logger())
		go serviceServer.Serve()
	}

	//Relay SIGINT to a clean shutdown
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sigintCh

	n.Shutdown()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for peer connections")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP dial timeout")
	cmd.Flags().Int("max-inbound", _config.MaxInbound, "Max number of inbound connections")
	cmd.Flags().Int("max-peers-per-ip", _config.MaxPeersPerIP, "Max connections per remote IP")
	cmd.Flags().Int("max-peers-per-subnetwork", _config.MaxPeersPerSubnet, "Max connections per IPv6 subnet")
	cmd.Flags().Duration("idle-timeout", _config.IdleTimeout, "Close silent connections after this delay")
	cmd.Flags().Duration("keepalive", _config.KeepalivePeriod, "Keepalive sweep period")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")
	cmd.Flags().Bool("prometheus", _config.Prometheus, "Register real Prometheus metrics")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")

	// Block processor
	cmd.Flags().Int("block-processor-full-size", _config.BlockProcessorFullSize, "Processor backpressure cap")
	cmd.Flags().Int("block-processor-batch-size", _config.BlockProcessorBatchSize, "Blocks per write transaction")
	cmd.Flags().Duration("block-processor-batch-max-time", _config.BlockProcessorBatchMaxTime, "Wall-clock bound per batch")
	cmd.Flags().Duration("block-process-timeout", _config.BlockProcessTimeout, "Deadline of blocking submissions")

	// Elections
	cmd.Flags().Int("active-size", _config.ActiveSize, "Limit of priority elections")
	cmd.Flags().Int("active-hinted-limit-percentage", _config.HintedLimitPercentage, "Hinted election limit as % of active-size")
	cmd.Flags().Int("active-optimistic-limit-percentage", _config.OptimisticLimitPercentage, "Optimistic election limit as % of active-size")
	cmd.Flags().Int("confirmation-history-size", _config.ConfirmationHistorySize, "Length of the cemented history")
	cmd.Flags().Int("confirmation-cache", _config.ConfirmationCache, "Size of the recently-confirmed cache")
	cmd.Flags().Duration("aec-loop-interval", _config.AECLoopInterval, "Election request-loop cadence")
	cmd.Flags().Duration("confirming-batch-time", _config.ConfirmingBatchTime, "Wall-clock bound per cementing batch")

	// Ledger
	cmd.Flags().Uint64("work-threshold", _config.WorkThreshold, "Minimum accepted proof-of-work difficulty")
	cmd.Flags().Uint64("quorum", _config.Quorum, "Vote tally a block needs to be confirmed")
	cmd.Flags().String("genesis-account", _config.GenesisAccount, "Hex public key of the genesis account")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitly set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":     _config.DataDir,
		"BindAddr":    _config.BindAddr,
		"ServiceAddr": _config.ServiceAddr,
		"Store":       _config.Store,
		"LogLevel":    _config.LogLevel,
		"Moniker":     _config.Moniker,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all
	// other persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/trellis.toml (.json, .yaml also work)
	viper.SetConfigName("trellis")
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from the config file
	return viper.Unmarshal(_config)
}
