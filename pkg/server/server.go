package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/vincent-vinf/go-jsend"
	"go.uber.org/zap"

	"pi-camera-stream/pkg/camera"
	"pi-camera-stream/pkg/ov"
	"pi-camera-stream/pkg/storage"
	"pi-camera-stream/pkg/stream"
	"pi-camera-stream/pkg/types"
	"pi-camera-stream/pkg/utils"
	"pi-camera-stream/pkg/utils/ps"
	"pi-camera-stream/pkg/video"
	"pi-camera-stream/pkg/webdav"
)

const (
	webDavStart    = "start"
	webDavShutdown = "shutdown"
)

// Server holds the HTTP routes. Every collaborator is injected by main.
type Server struct {
	session    *camera.Session
	stg        *storage.Storage
	recorder   *video.Recorder
	dav        *webdav.Webdav
	staticsDir string
	origins    []string
	now        func() time.Time
	logger     *zap.SugaredLogger

	engine *gin.Engine
}

type Option func(*Server)

func WithRecorder(r *video.Recorder) Option {
	return func(s *Server) {
		s.recorder = r
	}
}

func WithWebdav(w *webdav.Webdav) Option {
	return func(s *Server) {
		s.dav = w
	}
}

func WithStatics(dir string) Option {
	return func(s *Server) {
		s.staticsDir = dir
	}
}

// WithCorsOrigins limits cross-origin access to origins. By default any
// origin is allowed.
func WithCorsOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

func New(session *camera.Session, stg *storage.Storage, opts ...Option) *Server {
	s := &Server{
		session: session,
		stg:     stg,
		now:     time.Now,
		logger:  utils.GetLogger().Named("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()

	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(utils.Cors(s.origins...))
	if s.staticsDir != "" {
		if err := registerStaticsDir(r, s.staticsDir, "/"); err != nil {
			s.logger.Warnf("statics not served: %s", err)
		}
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("page not found"))
	})

	r.GET("/health", s.health)
	r.GET("/video_feed", s.videoFeed)
	r.POST("/camera/take_photo", s.takePhoto)
	r.GET("/shots/:filename", s.getShot)

	apiRouter := r.Group("/api")
	apiRouter.GET("/photos", s.listPhotos)

	deviceRouter := apiRouter.Group("/device")
	deviceRouter.GET("/status", s.deviceStatus)
	deviceRouter.PUT("/webdav", s.ctlWebdav)
	deviceRouter.POST("/record", s.record)

	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, jsend.Success("ok"))
}

func (s *Server) videoFeed(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.session.EnsureStarted(ctx); err != nil {
		s.logger.Warnf("video feed: %s", err)
		c.JSON(http.StatusServiceUnavailable, jsend.SimpleErr(err.Error()))
		return
	}
	sub := s.session.Frames().Subscribe()
	defer sub.Close()

	c.Header("Content-Type", stream.ContentType)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ss := stream.New(sub, c.Writer, c.Writer.Flush)
	s.logger.Debugf("viewer %s joined, %d watching", c.ClientIP(), s.session.Frames().Viewers())
	if err := ss.Run(ctx); err != nil {
		s.logger.Warnf("viewer %s stream ended: %s", c.ClientIP(), err)
		return
	}
	s.logger.Debugf("viewer %s left after %d frames", c.ClientIP(), ss.Frames())
}

func (s *Server) takePhoto(c *gin.Context) {
	p, err := s.session.CaptureStill(c.Request.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, camera.ErrDeviceUnavailable) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, ov.PhotoResult{
			Success: false,
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, ov.PhotoResult{
		Success:  true,
		Message:  "photo saved",
		Filename: camera.PhotoName(p),
	})
}

func (s *Server) getShot(c *gin.Context) {
	p, err := s.stg.PhotoPath(c.Param("filename"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidName):
			c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		case errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusNotFound, jsend.SimpleErr(err.Error()))
		default:
			internalErr(c, err)
		}
		return
	}

	c.File(p)
}

func (s *Server) listPhotos(c *gin.Context) {
	photos, err := s.stg.ListPhotos()
	if err != nil {
		internalErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(photos))
}

func (s *Server) deviceStatus(c *gin.Context) {
	frames := s.session.Frames()
	status := types.DeviceStatus{
		State:      s.session.State().String(),
		Viewers:    frames.Viewers(),
		Generation: frames.Generation(),
		Webdav:     s.dav != nil && s.dav.Running(),
	}
	if f, ok := frames.Latest(); ok {
		status.LastFrame = &f.Time
		status.LastFrameSize = humanize.Bytes(uint64(len(f.Data)))
	}
	if cpu, err := ps.CPUStatus(); err == nil {
		status.CPU = &cpu
	}
	if m, err := ps.MemoryStatus(); err == nil {
		status.Memory = &m
	}
	if d, err := ps.DiskStatus(s.stg.PhotosDir()); err == nil {
		status.Disk = &d
	} else {
		s.logger.Warnf("disk status: %s", err)
	}

	c.JSON(http.StatusOK, jsend.Success(status))
}

func (s *Server) ctlWebdav(c *gin.Context) {
	if s.dav == nil {
		c.JSON(http.StatusNotImplemented, jsend.SimpleErr("webdav is disabled"))
		return
	}
	switch c.Query("op") {
	case webDavStart:
		started, err := s.dav.Start()
		if err != nil {
			internalErr(c, err)
			return
		}
		if !started {
			c.JSON(http.StatusOK, jsend.Success("the webdav service is already enabled"))
			return
		}
		c.JSON(http.StatusOK, jsend.Success(fmt.Sprintf("%s:%d", hostOnly(c.Request.Host), s.dav.Port())))
	case webDavShutdown:
		if !s.dav.Stop() {
			c.JSON(http.StatusOK, jsend.SimpleErr("the webdav service has been shut down"))
			return
		}
		c.JSON(http.StatusOK, jsend.Success(nil))
	default:
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("unknown operation"))
	}
}

func (s *Server) record(c *gin.Context) {
	if s.recorder == nil {
		c.JSON(http.StatusNotImplemented, jsend.SimpleErr("recording is disabled"))
		return
	}
	var req ov.Record
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}
	if req.Duration <= 0 {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("duration must be positive"))
		return
	}
	if limit := s.recorder.MaxDuration(); limit > 0 && req.Duration > limit {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(fmt.Sprintf("duration %s exceeds %s", req.Duration, limit)))
		return
	}

	ctx := c.Request.Context()
	if err := s.session.EnsureStarted(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, jsend.SimpleErr(err.Error()))
		return
	}
	sub := s.session.Frames().Subscribe()
	defer sub.Close()

	name, p := s.stg.NewVideoPath(s.now())
	res, err := s.recorder.Record(ctx, sub, p, req.Duration)
	if err != nil {
		internalErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(ov.RecordResult{
		Filename: name,
		Frames:   res.Frames,
		Size:     humanize.Bytes(uint64(res.Size)),
	}))
}

func registerStaticsDir(group gin.IRoutes, dir, relativeGroup string) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("the specified directory %s does not exist", dir)
	}
	dir = filepath.ToSlash(filepath.Clean(dir))
	if _, err := os.Stat(filepath.Join(dir, "index.html")); err == nil {
		group.StaticFile(relativeGroup, filepath.Join(dir, "index.html"))
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			relativePath := path.Join(relativeGroup, strings.Replace(filepath.ToSlash(p), dir, "", 1))
			group.StaticFile(relativePath, p)
		}
		return nil
	})
}

func hostOnly(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i > 0 && !strings.Contains(hostport[i:], "]") {
		return hostport[:i]
	}
	return hostport
}

func internalErr(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, jsend.SimpleErr(err.Error()))
}
