package main

import (
	"context"
	"os"
	"time"

	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/monitoring"
	xos "github.com/openrover/teleop/pkg/os"
	"github.com/openrover/teleop/pkg/robot"
	"github.com/openrover/teleop/pkg/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var Version = "?"

const (
	statusEndpoint  = "/status"
	shutdownTimeout = 10 * time.Second
)

func main() {
	conf, err := config.ParseRobotFlags(os.Args[1:])
	if err != nil {
		logger.Default().Fatal().Err(err).Msg("config")
	}

	log := logger.NewConsole(conf.Robot.Debug, "r", false)
	log.Info().Msgf("version %s", Version)
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r, err := robot.New(conf, reg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("robot init")
	}

	var services service.Group
	if conf.Robot.Monitoring.Port > 0 {
		mon, err := monitoring.New(conf.Robot.Monitoring, reg, "", log,
			monitoring.Route{Pattern: statusEndpoint, Handler: r.StatusHandler()})
		if err != nil {
			log.Fatal().Err(err).Msg("monitoring")
		}
		services.Add(mon)
	}
	services.Start()

	// a robot without any running loop still waits for the retries
	if !r.Start(context.Background()) {
		log.Warn().Msg("Robot started degraded")
	}

	<-xos.ExpectTermination()
	r.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := services.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("service shutdown errors")
	}
}
