package main

import (
	"context"
	"os"
	"time"

	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	xos "github.com/openrover/teleop/pkg/os"
	"github.com/openrover/teleop/pkg/signaling"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var Version = "?"

const shutdownTimeout = 10 * time.Second

func main() {
	conf, err := config.ParseSignalingFlags(os.Args[1:])
	if err != nil {
		logger.Default().Fatal().Err(err).Msg("config")
	}

	log := logger.NewConsole(conf.Signaling.Debug, "s", false)
	log.Info().Msgf("version %s", Version)
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s, err := signaling.New(conf, reg, reg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("signaling server init")
	}
	s.Start()

	<-xos.ExpectTermination()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("service shutdown errors")
	}
}
