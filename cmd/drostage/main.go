package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaunagostinho/drostage/internal/display"
	"github.com/shaunagostinho/drostage/internal/server"
	"github.com/shaunagostinho/drostage/internal/session"
	"github.com/shaunagostinho/drostage/internal/sim"
	"github.com/shaunagostinho/drostage/internal/transport"
	"github.com/shaunagostinho/drostage/web"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	configPath := flag.String("config", "/etc/drostage/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated stage")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	connect := flag.Bool("connect", false, "Connect to the stage at startup")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Device.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	if rotator := logFile(cfg.Logging); rotator != nil {
		defer rotator.Close()
	}
	log.Println("[main] drostage starting")

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// Port backend
	var open transport.Opener
	switch cfg.Device.Type {
	case "demo":
		open = sim.Open
		log.Printf("[main] using simulated stage")
	default:
		var err error
		open, err = transport.OpenerFor(cfg.Serial.Driver)
		if err != nil {
			log.Fatalf("[main] %v", err)
		}
	}

	// Display sinks; the dashboard registers itself below
	sinks := display.NewMulti()
	if cfg.Logging.Debug {
		sinks.Add(display.LogSink{})
	}
	if cfg.MQTT.Enabled {
		m, err := display.NewMQTTSink(display.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
		})
		if err != nil {
			log.Printf("[main] mqtt disabled: %v", err)
		} else {
			defer m.Close()
			sinks.Add(m)
		}
	}

	sess := session.New(session.Settings{
		PortName: cfg.Serial.PortPath,
		BaudRate: cfg.Serial.BaudRate,
		Timeout:  cfg.Timeout(),
		Open:     open,
		Debug:    cfg.Logging.Debug,
	}, sinks)
	defer sess.Close()

	srv := server.New(cfg, sess, web.FS)
	sinks.Add(srv)
	sess.OnState = srv.PushState

	go display.NewBroadcaster(sess.Log(), sinks, cfg.PlotInterval()).Run(ctx)

	// A failed startup connect is reported once; the operator reconnects
	// from the dashboard.
	if *connect {
		if err := sess.Dispatch(ctx, session.Connect{}); err != nil {
			log.Printf("[main] connect: %v", err)
		}
	}

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// logFile tees the standard logger into a rotating file when one is
// configured.
func logFile(lc server.LoggingConfig) io.Closer {
	if lc.File == "" {
		return nil
	}
	rotator := &lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
		Compress:   lc.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	log.Printf("[main] logging to %s", lc.File)
	return rotator
}
