// Command ftlctl constructs an FTL engine from an ini config file (or
// scenario defaults) and drives a scripted read/write/hint sequence
// against a simulated device, logging each scenario step; it prints no
// engine stats — the
// runnable control surface spec.md's device-mapper/ioctl plane is
// explicitly silent on at the kernel level.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/lightchannel/ocftl/logger"
	ftl "github.com/lightchannel/ocftl/server/ftl"
	"github.com/lightchannel/ocftl/server/ftl/config"
	"github.com/lightchannel/ocftl/server/ftl/device"
	"github.com/lightchannel/ocftl/server/ftl/hint"
	"github.com/lightchannel/ocftl/server/ftl/pipeline"
)

func main() {
	configPath := flag.String("config", "", "path to an ftl.ini config file; defaults to the S1-S6 scenario sizing")
	targetType := flag.String("target", "", "override target_type: default|swap|latency|pack")
	flag.Parse()

	setupTerminalLogging()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("ftlctl: failed to load config")
		}
		cfg = loaded
	}
	if *targetType != "" {
		cfg.TargetType = config.TargetType(*targetType)
	}

	dev := device.NewSimDevice(int(cfg.NrPools), uint64(cfg.NrBlksPerPool)*uint64(cfg.NrPagesPerBlk)*uint64(cfg.HostPagesPerFlashPage), pipeline.HostPageSize, cfg.TRead, cfg.TWrite, cfg.TErase, cfg.Compress)

	engine, err := ftl.New(cfg, dev)
	if err != nil {
		logrus.WithError(err).Fatal("ftlctl: failed to construct engine")
	}
	engine.Start()
	defer engine.Stop()

	runScript(engine, cfg)
}

func runScript(engine *ftl.Engine, cfg *config.EngineConfig) {
	value := func(b byte) []byte {
		buf := make([]byte, pipeline.HostPageSize)
		for i := range buf {
			buf[i] = b
		}
		return buf
	}

	write := func(l uint64, v byte) {
		req := &pipeline.Request{Sector: l * pipeline.NrPhyInLog, Kind: pipeline.Write, Data: value(v)}
		if err := engine.Submit(req); err != nil {
			logrus.WithError(err).WithField("L", l).Error("ftlctl: write failed")
		}
	}
	read := func(l uint64) []byte {
		req := &pipeline.Request{Sector: l * pipeline.NrPhyInLog, Kind: pipeline.Read}
		if err := engine.Submit(req); err != nil {
			logrus.WithError(err).WithField("L", l).Error("ftlctl: read failed")
			return nil
		}
		return req.Data
	}

	logrus.Info("ftlctl: S1 — write L=0, read it back")
	write(0, 'A')
	read(0)

	logrus.Info("ftlctl: S2 — overwrite L=0 repeatedly")
	for _, v := range []byte{'A', 'B', 'C', 'D'} {
		write(0, v)
	}
	read(0)

	if cfg.TargetType == config.TargetSwap {
		logrus.Info("ftlctl: S4 — swap hint then write")
		engine.SubmitHint(&hint.Payload{
			HintFlags: hint.FlagSwap,
			Count:     1,
			Data:      []hint.PayloadEntry{{StartLBA: 5, Count: 1, Class: hint.ClassEmpty}},
		})
		write(5, 'S')
	}

	if cfg.TargetType == config.TargetLatency {
		logrus.Info("ftlctl: S5 — latency hint then write")
		engine.SubmitHint(&hint.Payload{
			HintFlags: hint.FlagLatency,
			Count:     1,
			Data:      []hint.PayloadEntry{{StartLBA: 7, Count: 1, Class: hint.ClassEmpty}},
		})
		write(7, 'L')
	}

	time.Sleep(2 * cfg.GCTime)
	fmt.Println("ftlctl: done")
}

// setupTerminalLogging wires a colorable, terminal-aware writer for
// the CLI the way an interactive tool in this corpus would, layering
// on top of the shared logger package rather than replacing it.
func setupTerminalLogging() {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		logrus.SetOutput(colorable.NewColorableStdout())
		logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	}
	_ = logger.InitLogger(logger.LogConfig{LogLevel: "info"})
}
