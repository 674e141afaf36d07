package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/couchbase/gocbcorex/contrib/buildversion"
	"github.com/couchbase/stellar-stream/deploy"
	"github.com/couchbase/stellar-stream/node"
	"github.com/couchbase/stellar-stream/pkg/webapi"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var buildVersion string = buildversion.GetVersion("github.com/couchbase/stellar-stream")

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "stellar-stream",
	Short: "A partitioned stream processing node with automatic app deployment",

	Run: func(cmd *cobra.Command, args []string) {
		startNode()
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.String("advertise-address", "", "the address other nodes use to reach this one")
	configFlags.Int("event-port", 5077, "the port events are received on")
	configFlags.String("transport", "udp", "the event transport, udp or tcp")
	configFlags.Int("web-port", 9092, "the web metrics/health port")
	configFlags.String("node-id", "", "the unique id of this node, generated when empty")
	configFlags.Int("partition", -1, "the partition to claim, -1 claims any free partition")
	configFlags.String("staging-dir", "", "the directory fetched bundles are staged in")
	configFlags.Duration("fetch-timeout", 30*time.Second, "the maximum time a single bundle fetch may take")
	configFlags.Int("fetch-max-attempts", 3, "the number of times a bundle fetch is attempted")
	configFlags.Bool("retry-failed", false, "restart failed deployments when their announcement is rewritten")
	configFlags.Duration("session-ttl", 10*time.Second, "the coordination session ttl")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of all components")
	rootCmd.Flags().AddFlagSet(configFlags)
	rootCmd.PersistentFlags().AddFlagSet(clusterFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("sts")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
	_ = viper.BindPFlags(clusterFlags)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type config struct {
	logLevelStr        string
	etcdEndpoints      []string
	rootPath           string
	cluster            string
	bindAddress        string
	advertiseAddress   string
	eventPort          int
	transport          string
	webPort            int
	nodeID             string
	partition          int
	stagingDir         string
	fetchTimeout       time.Duration
	fetchMaxAttempts   int
	retryFailed        bool
	sessionTTL         time.Duration
	otlpEndpoint       string
	disableOtlpTraces  bool
	disableOtlpMetrics bool
	traceEverything    bool
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:        viper.GetString("log-level"),
		etcdEndpoints:      viper.GetStringSlice("etcd-endpoints"),
		rootPath:           viper.GetString("root-path"),
		cluster:            viper.GetString("cluster"),
		bindAddress:        viper.GetString("bind-address"),
		advertiseAddress:   viper.GetString("advertise-address"),
		eventPort:          viper.GetInt("event-port"),
		transport:          viper.GetString("transport"),
		webPort:            viper.GetInt("web-port"),
		nodeID:             viper.GetString("node-id"),
		partition:          viper.GetInt("partition"),
		stagingDir:         viper.GetString("staging-dir"),
		fetchTimeout:       viper.GetDuration("fetch-timeout"),
		fetchMaxAttempts:   viper.GetInt("fetch-max-attempts"),
		retryFailed:        viper.GetBool("retry-failed"),
		sessionTTL:         viper.GetDuration("session-ttl"),
		otlpEndpoint:       viper.GetString("otlp-endpoint"),
		disableOtlpTraces:  viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics: viper.GetBool("disable-otlp-metrics"),
		traceEverything:    viper.GetBool("trace-everything"),
	}

	logger.Info("parsed node configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.Strings("etcdEndpoints", config.etcdEndpoints),
		zap.String("rootPath", config.rootPath),
		zap.String("cluster", config.cluster),
		zap.String("bindAddress", config.bindAddress),
		zap.String("advertiseAddress", config.advertiseAddress),
		zap.Int("eventPort", config.eventPort),
		zap.String("transport", config.transport),
		zap.Int("webPort", config.webPort),
		zap.String("nodeId", config.nodeID),
		zap.Int("partition", config.partition),
		zap.String("stagingDir", config.stagingDir),
		zap.Duration("fetchTimeout", config.fetchTimeout),
		zap.Int("fetchMaxAttempts", config.fetchMaxAttempts),
		zap.Bool("retryFailed", config.retryFailed),
		zap.Duration("sessionTtl", config.sessionTTL),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything))

	return config
}

func startNode() {
	// initialize the logger
	logLevel, logger := getLogger()

	logger.Info("starting stellar-stream", zap.String("version", buildVersion))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)

	parsedLogLevel, err := zapcore.ParseLevel(config.logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	// setup tracing
	otlpTracerProvider, otlpMeterProvider, err :=
		initTelemetry(context.Background(),
			logger,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		logger.Error("failed to initialize opentelemetry tracing", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		otel.SetTracerProvider(otlpTracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if otlpMeterProvider != nil {
		otel.SetMeterProvider(otlpMeterProvider)
	}

	// setup the web service
	webListenAddress := fmt.Sprintf("%s:%v", config.bindAddress, config.webPort)
	webServer := webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger,
		LogLevel:      &logLevel,
		ListenAddress: webListenAddress,
	})

	retryPolicy := deploy.DefaultRetryPolicy()
	retryPolicy.MaxAttempts = config.fetchMaxAttempts
	retryPolicy.AttemptTimeout = config.fetchTimeout

	n, err := node.NewNode(&node.Config{
		Logger:                  logger.Named("node"),
		EtcdEndpoints:           config.etcdEndpoints,
		RootPath:                config.rootPath,
		Cluster:                 config.cluster,
		NodeID:                  config.nodeID,
		Partition:               config.partition,
		BindAddress:             config.bindAddress,
		AdvertiseAddress:        config.advertiseAddress,
		EventPort:               config.eventPort,
		Transport:               config.transport,
		StagingDir:              config.stagingDir,
		FetchTimeout:            config.fetchTimeout,
		RetryPolicy:             retryPolicy,
		RetryFailedOnReannounce: config.retryFailed,
		SessionTTL:              config.sessionTTL,
		StartupCallback: func(info *node.StartupInfo) {
			webServer.SetHealthy(true)
		},
	})
	if err != nil {
		logger.Error("failed to initialize the node", zap.Error(err))
		os.Exit(1)
	}
	webServer.SetDeployments(n)

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig := readConfig(logger)

		if strings.Join(newConfig.etcdEndpoints, ",") != strings.Join(config.etcdEndpoints, ",") ||
			newConfig.rootPath != config.rootPath ||
			newConfig.cluster != config.cluster {
			logger.Warn("config changes for etcdEndpoints, rootPath, or cluster require a restart")
		}

		if newConfig.bindAddress != config.bindAddress ||
			newConfig.advertiseAddress != config.advertiseAddress ||
			newConfig.eventPort != config.eventPort ||
			newConfig.webPort != config.webPort ||
			newConfig.transport != config.transport {
			logger.Warn("config changes for bindAddress, advertiseAddress, eventPort, webPort, or transport require a restart")
		}

		if newConfig.nodeID != config.nodeID ||
			newConfig.partition != config.partition ||
			newConfig.sessionTTL != config.sessionTTL {
			logger.Warn("config changes for nodeId, partition, or sessionTtl require a restart")
		}

		if newConfig.stagingDir != config.stagingDir ||
			newConfig.fetchTimeout != config.fetchTimeout ||
			newConfig.fetchMaxAttempts != config.fetchMaxAttempts ||
			newConfig.retryFailed != config.retryFailed {
			logger.Warn("config changes for stagingDir, fetchTimeout, fetchMaxAttempts, or retryFailed require a restart")
		}

		if newConfig.otlpEndpoint != config.otlpEndpoint ||
			newConfig.disableOtlpTraces != config.disableOtlpTraces ||
			newConfig.disableOtlpMetrics != config.disableOtlpMetrics ||
			newConfig.traceEverything != config.traceEverything {
			logger.Warn("config changes for otlpEndpoint, disableOtlpTraces, disableOtlpMetrics, or traceEverything require a restart")
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newParsedLogLevel, err := zapcore.ParseLevel(newConfig.logLevelStr)
			if err != nil {
				logger.Warn("invalid log level specified, using INFO instead")
				newParsedLogLevel = zapcore.InfoLevel
			}

			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, attempting graceful shutdown...")
					hasReceivedSigInt = true
					webServer.SetHealthy(false)
					n.Shutdown()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				webServer.SetHealthy(false)
				n.Shutdown()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	err = n.Run(context.Background())
	if err != nil {
		logger.Error("failed to run the node", zap.Error(err))
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = webServer.Shutdown(shutdownCtx)

	logger.Info("node shutdown gracefully")
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
