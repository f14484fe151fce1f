package main

import (
	"context"
	"flag"
	"os"
	"time"

	"pi-camera-stream/pkg/camera"
	"pi-camera-stream/pkg/clock"
	"pi-camera-stream/pkg/config"
	"pi-camera-stream/pkg/notify"
	"pi-camera-stream/pkg/schedule"
	"pi-camera-stream/pkg/server"
	"pi-camera-stream/pkg/storage"
	"pi-camera-stream/pkg/utils"
	"pi-camera-stream/pkg/video"
	"pi-camera-stream/pkg/webdav"
)

const ntpSyncInterval = time.Hour

func main() {
	logger := utils.GetLogger()
	defer logger.Sync()

	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		logger.Fatal(err)
	}
	if err := utils.SetLevel(cfg.LogLevel); err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.New(cfg.NTPServer)
	go clk.Run(ctx.Done(), ntpSyncInterval)

	// init storage
	stg, err := storage.New(cfg.PhotosDir, cfg.VideosDir)
	if err != nil {
		logger.Fatal(err)
	}

	// init camera
	driver := camera.NewV4L2(ctx, cfg.Device,
		camera.WithStillFormat(cfg.Still),
		camera.WithSettings(cfg.Settings()),
		camera.WithQuality(cfg.Quality),
	)
	sessionOpts := []camera.SessionOption{
		camera.WithClock(clk.Now),
		camera.WithCaptureTimeout(time.Duration(cfg.CaptureTimeout)),
	}
	if cfg.MQTT.Broker != "" {
		n, client, err := notify.Connect(notify.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
		})
		if err != nil {
			logger.Warnf("notifications disabled: %s", err)
		} else {
			defer client.Disconnect(250)
			sessionOpts = append(sessionOpts, camera.WithListener(n))
		}
	}
	session := camera.NewSession(driver, cfg.Stream, stg, sessionOpts...)
	defer func() {
		if err := session.Close(); err != nil {
			logger.Errorf("close camera: %s", err)
		}
	}()

	dav := webdav.New(ctx, cfg.WebdavPort, stg.PhotosDir())
	defer dav.Stop()

	if cfg.CaptureInterval > 0 {
		sch := schedule.New(ctx, session)
		if err := sch.Begin(time.Duration(cfg.CaptureInterval)); err != nil {
			logger.Fatal(err)
		}
	}

	srv := server.New(session, stg,
		server.WithRecorder(video.NewRecorder(cfg.Stream.Width, cfg.Stream.Height, cfg.Stream.FPS, time.Duration(cfg.RecordMax))),
		server.WithWebdav(dav),
		server.WithStatics(cfg.StaticsDir),
		server.WithCorsOrigins(cfg.CorsOrigins...),
		server.WithClock(clk.Now),
	)
	logger.Infof("camera %s at %s, photos in %s", cfg.Device, cfg.Stream, stg.PhotosDir())

	if err := utils.ListenAndServe(ctx, srv.Handler(), cfg.Port); err != nil {
		logger.Error(err)
	}
}
