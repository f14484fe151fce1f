package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/vladimirvivien/go4vl/v4l2"

	"pi-camera-stream/pkg/camera"
)

// Duration decodes from a Go duration string such as "10s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type MQTT struct {
	Broker   string `json:"broker"`
	ClientID string `json:"clientId"`
	Topic    string `json:"topic"`
}

type Config struct {
	Port       int    `json:"port"`
	WebdavPort int    `json:"webdavPort"`
	Device     string `json:"device"`

	Stream camera.Format `json:"stream"`
	// Still is the still capture format. Zero means the stream format.
	Still   camera.Format `json:"still"`
	Quality int           `json:"quality"`
	// Controls are V4L2 control values applied after each start, by control id.
	Controls map[uint32]int32 `json:"controls"`

	PhotosDir  string `json:"photosDir"`
	VideosDir  string `json:"videosDir"`
	StaticsDir string `json:"staticsDir"`
	// CorsOrigins limits which pages may call the API, empty allows all.
	CorsOrigins []string `json:"corsOrigins"`

	CaptureTimeout Duration `json:"captureTimeout"`
	RecordMax      Duration `json:"recordMax"`
	// CaptureInterval starts periodic captures when non-zero.
	CaptureInterval Duration `json:"captureInterval"`

	NTPServer string `json:"ntpServer"`
	MQTT      MQTT   `json:"mqtt"`
	LogLevel  string `json:"logLevel"`
}

func Default() Config {
	return Config{
		Port:       9999,
		WebdavPort: 9998,
		Device:     camera.DefaultDevice,
		Stream: camera.Format{
			Width:       640,
			Height:      480,
			FPS:         camera.DefaultFPS,
			PixelFormat: camera.PixelFmtJPEG,
		},
		Quality:        90,
		PhotosDir:      "./shots",
		StaticsDir:     "./statics",
		CaptureTimeout: Duration(camera.DefaultCaptureTimeout),
		RecordMax:      Duration(time.Minute),
		MQTT: MQTT{
			ClientID: "pi-camera-stream",
			Topic:    "pi-camera-stream",
		},
		LogLevel: "info",
	}
}

// Load fills a Config from defaults, then the JSON file named by -config,
// then the remaining command line flags. Flags set explicitly win over the
// file.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Default()

	var file string
	fs.StringVar(&file, "config", "", "json config file")
	port := fs.Int("port", cfg.Port, "http port")
	webdavPort := fs.Int("webdav-port", cfg.WebdavPort, "webdav port")
	device := fs.String("device", cfg.Device, "v4l2 device")
	width := fs.Int("width", cfg.Stream.Width, "stream width")
	height := fs.Int("height", cfg.Stream.Height, "stream height")
	fps := fs.Int("fps", cfg.Stream.FPS, "stream frame rate")
	pixFmt := fs.String("format", string(cfg.Stream.PixelFormat), "pixel format: jpeg, mjpeg or rgb24")
	photos := fs.String("dir", cfg.PhotosDir, "photos directory")
	videos := fs.String("videos", cfg.VideosDir, "videos directory, default <dir>/videos")
	statics := fs.String("statics", cfg.StaticsDir, "static page directory")
	captureTimeout := fs.Duration("capture-timeout", time.Duration(cfg.CaptureTimeout), "still capture timeout")
	interval := fs.Duration("interval", time.Duration(cfg.CaptureInterval), "periodic capture interval, 0 disables")
	ntpServer := fs.String("ntp", cfg.NTPServer, "ntp server, empty uses local time")
	broker := fs.String("mqtt-broker", cfg.MQTT.Broker, "mqtt broker url, empty disables notifications")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if file != "" {
		if err := readFile(file, &cfg); err != nil {
			return cfg, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "webdav-port":
			cfg.WebdavPort = *webdavPort
		case "device":
			cfg.Device = *device
		case "width":
			cfg.Stream.Width = *width
		case "height":
			cfg.Stream.Height = *height
		case "fps":
			cfg.Stream.FPS = *fps
		case "format":
			cfg.Stream.PixelFormat = camera.PixelFormat(*pixFmt)
		case "dir":
			cfg.PhotosDir = *photos
		case "videos":
			cfg.VideosDir = *videos
		case "statics":
			cfg.StaticsDir = *statics
		case "capture-timeout":
			cfg.CaptureTimeout = Duration(*captureTimeout)
		case "interval":
			cfg.CaptureInterval = Duration(*interval)
		case "ntp":
			cfg.NTPServer = *ntpServer
		case "mqtt-broker":
			cfg.MQTT.Broker = *broker
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	return cfg, cfg.Validate()
}

func readFile(name string, cfg *Config) error {
	b, err := os.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", name, err)
	}
	return nil
}

func (c Config) Validate() error {
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream format: %w", err)
	}
	if c.Still != (camera.Format{}) {
		if err := c.Still.Validate(); err != nil {
			return fmt.Errorf("still format: %w", err)
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PhotosDir == "" {
		return fmt.Errorf("photos directory is required")
	}
	if c.CaptureTimeout <= 0 {
		return fmt.Errorf("invalid capture timeout %s", time.Duration(c.CaptureTimeout))
	}
	return nil
}

// Settings converts Quality and Controls into camera settings. Controls win.
func (c Config) Settings() camera.Settings {
	s := camera.DefaultSettings()
	if c.Quality > 0 {
		s[camera.CtrlJPEGCompressionQuality] = v4l2.CtrlValue(c.Quality)
	}
	for k, v := range c.Controls {
		s[v4l2.CtrlID(k)] = v4l2.CtrlValue(v)
	}
	return s
}
