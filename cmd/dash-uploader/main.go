package main

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/cainmagi/dash-uploader/pkg/api"
	"github.com/cainmagi/dash-uploader/pkg/config"
	"github.com/cainmagi/dash-uploader/pkg/dispatcher"
	"github.com/cainmagi/dash-uploader/pkg/handler"
	"github.com/cainmagi/dash-uploader/pkg/instrumentation"
	"github.com/cainmagi/dash-uploader/pkg/notifications"
	"github.com/cainmagi/dash-uploader/pkg/router"
)

func main() {
	config.Load()
	config.ConfigureLogging()
	conf := config.Get()

	metrics := instrumentation.NewMetrics(prometheus.NewRegistry())

	disp := dispatcher.New(64)
	defer disp.Close()
	disp.Register(func(sig api.CompletionSignal) {
		log.Info().
			Uint64("seq", sig.Seq).
			Str("upload_id", sig.Status.UploadID).
			Str("latest_file", sig.Status.LatestFile).
			Bool("is_completed", sig.Status.IsCompleted).
			Float64("progress", sig.Status.Progress).
			Msg("Upload progress")
	})
	disp.Register(func(sig api.CompletionSignal) {
		if sig.Status.IsCompleted {
			notifications.SendSessionCompleted(sig.Status)
		}
	})

	uh := handler.NewUploadHandler(conf, metrics, disp)
	echo := router.ConfigureEchoWithMetrics(uh, metrics)

	go func() {
		mux := http.NewServeMux()
		mux.Handle(conf.Metrics.Path, promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", conf.Metrics.Port)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	log.Info().Msgf("Starting %s on %s (upload api %s)", config.DefaultAppName, conf.Server.Addr, conf.Server.Api)
	err := echo.Start(conf.Server.Addr)
	if err != nil {
		log.Fatal().Err(err)
	}
}
