package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"controlplane/config"
	"controlplane/control_plane"
)

// initLogging sends logs to stdout and a rotated file under dir.
func initLogging(dir, level string) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Warnf("creating log directory %s failed, logging to stdout only: %v", dir, err)
	}
	logFile := filepath.Join(dir, "controlplane.log")

	fileLogger := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100,  // MB
		MaxBackups: 7,    // Keep 7 old log files
		MaxAge:     30,   // Days
		Compress:   true, // Compress old log files
	}

	// Output to both file and stdout (for systemd)
	log.SetOutput(io.MultiWriter(os.Stdout, fileLogger))
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	log.Infof("Logging initialized: file=%s, stdout=enabled, level=%s", logFile, lvl)
}

func main() {
	configPath := flag.String("config", "controlplane_config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading configuration failed, err:%v", err)
	}
	initLogging(cfg.Log.Dir, cfg.Log.Level)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cp, err := control_plane.Start(ctx, cfg)
	if err != nil {
		log.Fatalf("starting control plane failed, err:%v", err)
	}
	log.Infof("control plane init success")

	<-signalChan
	log.Infof("received signal, shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := cp.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown incomplete: %v", err)
	}
}
