package webdav

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/webdav"

	"pi-camera-stream/pkg/utils"
)

// Webdav shares a directory over WebDAV on demand.
type Webdav struct {
	lock sync.Mutex
	ctx  context.Context
	port int
	dir  string

	svr  *http.Server
	done chan struct{}
}

func New(ctx context.Context, port int, dir string) *Webdav {
	return &Webdav{
		ctx:  ctx,
		port: port,
		dir:  dir,
	}
}

// Start begins serving. It reports false if the share was already running.
func (w *Webdav) Start() (bool, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.svr != nil {
		return false, nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", w.port))
	if err != nil {
		return false, fmt.Errorf("listen webdav: %w", err)
	}
	w.svr, w.done = Serve(w.ctx, ln, w.dir)

	return true, nil
}

// Stop shuts the share down. It reports false if it was not running.
func (w *Webdav) Stop() bool {
	w.lock.Lock()
	svr, done := w.svr, w.done
	w.svr, w.done = nil, nil
	w.lock.Unlock()
	if svr == nil {
		return false
	}
	shutdown(svr)
	<-done

	return true
}

func (w *Webdav) Running() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.svr != nil
}

func (w *Webdav) Port() int {
	return w.port
}

func Handler(dir string) http.Handler {
	logger := utils.GetLogger()
	return &webdav.Handler{
		FileSystem: webdav.Dir(dir),
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logger.Errorf("WEBDAV [%s]: %s, err: %s", r.Method, r.URL, err)
			}
		},
	}
}

// Serve serves dir on ln until ctx is done or the server is shut down. The
// returned channel is closed once the server has stopped.
func Serve(ctx context.Context, ln net.Listener, dir string) (*http.Server, chan struct{}) {
	logger := utils.GetLogger()
	svr := &http.Server{
		Handler:           Handler(dir),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := svr.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("webdav server err: %s", err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			shutdown(svr)
		case <-done:
		}
	}()
	logger.Infof("webdav serving %s on %s", dir, ln.Addr())

	return svr, done
}

func shutdown(svr *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svr.Shutdown(ctx); err != nil {
		utils.GetLogger().Errorf("shutdown webdav server err: %s", err)
	}
}
