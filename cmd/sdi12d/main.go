// Command sdi12d polls SDI-12 sensors on a schedule and publishes their
// readings to an MQTT broker.
//
//	sdi12d -config /etc/sdi12d.yaml
//
// Set ENV=development for human readable logs.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/arloliu/go-sdi12/internal/config"
	"github.com/arloliu/go-sdi12/logger"
	"github.com/arloliu/go-sdi12/mqttsink"
	"github.com/arloliu/go-sdi12/poller"
	"github.com/arloliu/go-sdi12/sdi12"
	"github.com/arloliu/go-sdi12/transport"
	_ "github.com/arloliu/go-sdi12/transport/bugst"
	_ "github.com/arloliu/go-sdi12/transport/tarm"
)

func main() {
	configPath := flag.String("config", "sdi12d.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Error("sdi12d failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, _ := config.ParseLevel(cfg.Logging.Level)
	log := logger.NewSlog(level, false)
	logger.SetDefault(log)

	link, err := transport.Open(cfg.Serial.Backend, cfg.Serial.Path)
	if err != nil {
		return err
	}
	defer link.Close()

	opts, err := cfg.Bus.EngineOptions()
	if err != nil {
		return err
	}
	engineCfg, err := sdi12.NewEngineConfig(append(opts, sdi12.WithLogger(log))...)
	if err != nil {
		return err
	}

	engine, err := sdi12.NewEngine(link.Port, link.Pins, engineCfg)
	if err != nil {
		return err
	}
	engine.SetDebug(cfg.Bus.Debug)
	if err := engine.Begin(); err != nil {
		return err
	}
	defer engine.Close()

	sensors, err := cfg.PollerSensors()
	if err != nil {
		return err
	}

	pollerOpts := []poller.Option{poller.WithLogger(log)}
	if cfg.MQTT.Enabled {
		sink, err := mqttsink.Connect(cfg.MQTT.SinkConfig(), log)
		if err != nil {
			return err
		}
		defer sink.Close()
		pollerOpts = append(pollerOpts, poller.WithSink(sink))
	}

	p, err := poller.New(engine, sensors, pollerOpts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		return err
	}

	log.Info("sdi12d running",
		"backend", cfg.Serial.Backend,
		"path", cfg.Serial.Path,
		"framing", engine.Framing().String(),
		"emulate7E1", engine.Emulating(),
	)

	exitSig := make(chan os.Signal, 1)
	signal.Notify(exitSig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	<-exitSig

	log.Info("exit signal received")

	cancel()
	p.Stop()

	m := engine.Metrics()
	log.Info("shutdown finished",
		"transactions", m.TransactionCount.Load(),
		"failures", m.FailCount.Load(),
		"timeouts", m.TimeoutCount.Load(),
	)

	return nil
}
