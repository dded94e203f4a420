package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/aquasentry/aquasentry/pkg/nn"
	"github.com/aquasentry/aquasentry/server"
	"github.com/aquasentry/aquasentry/server/alertdb"
	"github.com/aquasentry/aquasentry/server/config"
	"github.com/aquasentry/aquasentry/server/detect"
	"github.com/aquasentry/aquasentry/server/monitor"
	"github.com/aquasentry/aquasentry/server/transmitter"
	"github.com/aquasentry/aquasentry/server/videosource"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
)

// How often the transmitter re-sends an active signal, so a receiver that
// resets mid-alarm re-latches without operator intervention.
const signalRepeatInterval = 2 * time.Second

func main() {
	parser := argparse.NewParser("aquasentry", "Pool drowning and perimeter monitoring system")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file (JSON)", Default: ""})
	port := parser.String("", "port", &argparse.Options{Help: "HTTP listen address (overrides config)", Default: ""})
	sourcePath := parser.String("", "source", &argparse.Options{Help: "Directory of JPEG frames to monitor (overrides config)", Default: ""})
	inferURL := parser.String("", "infer", &argparse.Options{Help: "URL of the inference service, eg http://127.0.0.1:9000/detect", Default: ""})
	serialPort := parser.String("", "serial", &argparse.Options{Help: "Serial port of the alarm receiver (overrides config)", Default: ""})
	storagePath := parser.String("", "storage", &argparse.Options{Help: "Directory for the alert history database (overrides config)", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.HTTPPort = *port
	}
	if *sourcePath != "" {
		cfg.Source.Path = *sourcePath
	}
	if *serialPort != "" {
		cfg.Signal.Port = *serialPort
	}
	if *storagePath != "" {
		cfg.StoragePath = *storagePath
	}
	if cfg.Source.Path == "" {
		logger.Criticalf("No frame source. Specify --source or source.path in the config file.")
		os.Exit(1)
	}

	source, err := videosource.NewDirectorySource(cfg.Source.Path, cfg.Source.FPS, cfg.Source.Loop)
	if err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}

	detector := makeDetector(logger, cfg, *inferURL)

	var db *alertdb.AlertDB
	if cfg.StoragePath != "" {
		db, err = alertdb.Open(logger, cfg.StoragePath)
		if err != nil {
			logger.Criticalf("%v", err)
			os.Exit(1)
		}
	} else {
		logger.Warnf("No storage path configured. Alert history will not survive a restart.")
	}

	tx := transmitter.NewTransmitter(logger, cfg.Signal.Baud, signalRepeatInterval)
	if cfg.Signal.Port != "" {
		if err := tx.Connect(cfg.Signal.Port); err != nil {
			// The system stays useful without the serial line (the API still
			// shows alerts), so we log and carry on.
			logger.Errorf("%v", err)
		}
	}

	mon := monitor.NewMonitor(logger, cfg, source, detector, tx, db)
	mon.Start()

	srv := server.NewServer(logger, cfg, mon, tx, db)

	httpDone := make(chan error, 1)
	go func() {
		httpDone <- srv.RunHTTP(cfg.HTTPPort)
	}()

	daemon.SdNotify(false, daemon.SdNotifyReady)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Infof("Received %v, shutting down", sig)
	case err := <-httpDone:
		if err != nil {
			logger.Errorf("HTTP server failed: %v", err)
		}
	}
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	srv.Shutdown()
	logger.Close()
}

// makeDetector picks the inference engine. With no engine available we run
// the null detector: drowning detection is off, but perimeter monitoring
// and signalling keep working.
func makeDetector(logger logs.Log, cfg *config.Config, inferURL string) nn.ObjectDetector {
	if inferURL == "" {
		logger.Warnf("No inference service configured (--infer). Running with the null detector: perimeter monitoring only.")
		return detect.NewNullDetector(nil)
	}
	var modelConfig *nn.ModelConfig
	if cfg.Detection.ModelConfigFile != "" {
		mc, err := nn.LoadModelConfig(cfg.Detection.ModelConfigFile)
		if err != nil {
			logger.Criticalf("Failed to load model config '%v': %v", cfg.Detection.ModelConfigFile, err)
			os.Exit(1)
		}
		modelConfig = mc
	} else {
		logger.Criticalf("An inference service needs a model config file (detection.modelConfigFile), for its class list.")
		os.Exit(1)
	}
	logger.Infof("Using inference service at %v (%v, %v classes)", inferURL, modelConfig.Architecture, len(modelConfig.Classes))
	return nn.NewRemoteDetector(inferURL, modelConfig)
}
