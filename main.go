package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/chatstream/cmd"
	"github.com/alwitt/chatstream/common"
	"github.com/alwitt/chatstream/core"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

var cmdArgs cliArgs

var publishArgs cmd.PublishParams

var logTags log.Fields

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Realtime message router delivering events to websocket clients by user_id",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "router",
				Usage:       "Run the chatstream router server",
				Description: "Accepts websocket clients and routes inbound events to them by user_id",
				Action:      startRouterServer,
			},
			{
				Name:        "publish",
				Usage:       "Publish a test event",
				Description: "Publish one event onto a configured inbound event source",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "target",
						Usage:       "Event source to publish onto: [nats jetstream postgres]",
						Aliases:     []string{"t"},
						Value:       cmd.PublishTargetNATS,
						DefaultText: cmd.PublishTargetNATS,
						Destination: &publishArgs.Target,
					},
					&cli.StringFlag{
						Name:        "user-id",
						Usage:       "Recipient user_id of the event",
						Aliases:     []string{"u"},
						Destination: &publishArgs.Recipient,
						Required:    true,
					},
					&cli.StringFlag{
						Name:        "message",
						Usage:       "Message text carried by the event",
						Aliases:     []string{"m"},
						Value:       "hello",
						DefaultText: "hello",
						Destination: &publishArgs.Message,
					},
				},
				Action: startPublish,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// prepareNatsClient define the NATS client
func prepareNatsClient(
	config common.NATSConfig, withJetStream bool, ctxtCancel context.CancelFunc,
) (*core.NatsClient, error) {
	natsParam := core.NATSConnectParamsFromConfig(config, withJetStream)
	natsParam.OnDisconnectCallback = func(_ *nats.Conn, e error) {
		log.WithError(e).WithFields(logTags).Errorf(
			"NATS client disconnected from server %s", config.ServerURI,
		)
	}
	natsParam.OnReconnectCallback = func(_ *nats.Conn) {
		log.WithFields(logTags).Warnf(
			"NATS client reconnected with server %s", config.ServerURI,
		)
	}
	natsParam.OnCloseCallback = func(_ *nats.Conn) {
		log.WithFields(logTags).Error("NATS client closed connection")
		ctxtCancel()
	}
	client, err := core.GetNatsClient(natsParam)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.ServerURI,
		)
		return nil, err
	}
	return &client, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, ctxt context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-ctxt.Done():
		}
	}()
}

// closeDependencies release the platform clients
func closeDependencies(deps cmd.RouterDependencies) {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if deps.NATS != nil {
		deps.NATS.Close(ctxt)
	}
	if deps.Postgres != nil {
		deps.Postgres.Close()
	}
}

// ============================================================================
// Router subcommand

// startRouterServer run the router server
func startRouterServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	tracing, err := core.GetTracingProvider(runTimeContext, config.Tracing)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define tracing provider")
		return err
	}
	defer func() {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := tracing.Shutdown(ctxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Tracing shutdown failed")
		}
	}()

	deps := cmd.RouterDependencies{Tracer: tracing.Tracer()}
	if config.Inbound.UsesNATS() {
		deps.NATS, err = prepareNatsClient(config.NATS, config.Inbound.JetStream.Enabled, rtCancel)
		if err != nil {
			return err
		}
	}
	if config.Inbound.Postgres.Enabled {
		deps.Postgres, err = core.GetPostgresPool(runTimeContext, config.Inbound.Postgres.URL)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to define Postgres pool")
			closeDependencies(deps)
			return err
		}
	}

	signalRecvSetup(wg, runTimeContext, rtCancel)

	err = cmd.RunRouterServer(runTimeContext, config, cmdArgs.Hostname, deps, wg)
	rtCancel()
	closeDependencies(deps)
	return err
}

// ============================================================================
// Publish subcommand

// startPublish publish one test event
func startPublish(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if err := validator.New().Struct(&publishArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid publish args")
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	deps := cmd.RouterDependencies{}
	switch publishArgs.Target {
	case cmd.PublishTargetNATS, cmd.PublishTargetJetStream:
		deps.NATS, err = prepareNatsClient(
			config.NATS, publishArgs.Target == cmd.PublishTargetJetStream, rtCancel,
		)
		if err != nil {
			return err
		}
	case cmd.PublishTargetPostgres:
		deps.Postgres, err = core.GetPostgresPool(runTimeContext, config.Inbound.Postgres.URL)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to define Postgres pool")
			return err
		}
	}
	defer closeDependencies(deps)

	ctxt, cancel := context.WithTimeout(runTimeContext, time.Second*30)
	defer cancel()
	return cmd.RunPublisher(ctxt, config, cmdArgs.Hostname, publishArgs, deps)
}
