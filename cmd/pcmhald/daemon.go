package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dougsko/pcmhal/pkg/client"
	"github.com/dougsko/pcmhal/pkg/config"
	"github.com/dougsko/pcmhal/pkg/engine"
	"github.com/dougsko/pcmhal/pkg/hardware"
	"github.com/dougsko/pcmhal/pkg/logging"
	"github.com/dougsko/pcmhal/pkg/storage"
	"github.com/gin-gonic/gin"
)

// Daemon wires the audio engine, its control socket and the web API
type Daemon struct {
	config *config.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	coreEngine   *engine.CoreEngine
	socketClient *client.SocketClient
	store        *storage.StateStore
	controls     hardware.MixerControls
	webServer    *http.Server
}

// NewDaemon opens the hardware and state store and builds the engine
func NewDaemon(cfg *config.Config) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:       cfg,
		ctx:          ctx,
		cancel:       cancel,
		socketClient: client.NewSocketClient(cfg.API.UnixSocket),
	}

	store, err := storage.NewStateStore(cfg.Storage.DatabasePath, cfg.Storage.MaxEvents)
	if err != nil {
		// run without persistence rather than refuse to play audio
		logging.Warn("daemon", "state store unavailable, routing will not persist", logging.Fields{"error": err})
		store = nil
	}
	d.store = store

	transport, controls, err := hardware.NewPlatformTransport(hardware.PlatformConfig{
		Card:    cfg.Card.Index,
		Backend: cfg.Card.Backend,
	})
	if err != nil {
		d.closeStore()
		cancel()
		return nil, fmt.Errorf("failed to open audio hardware: %w", err)
	}
	d.controls = controls

	d.coreEngine, err = engine.NewCoreEngine(cfg, transport, controls, d.store)
	if err != nil {
		controls.Close()
		d.closeStore()
		cancel()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	d.setupWebServer()
	return d, nil
}

// Start starts the control socket and the web server
func (d *Daemon) Start() error {
	logging.Info("daemon", "starting pcmhald daemon")

	if err := d.coreEngine.Start(); err != nil {
		return fmt.Errorf("failed to start core engine: %w", err)
	}

	if !d.socketClient.IsConnected() {
		return fmt.Errorf("failed to connect to core engine socket")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		logging.Info("daemon", "starting web server", logging.Fields{"addr": d.webServer.Addr})
		if err := d.webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("daemon", "web server error", logging.Fields{"error": err})
		}
	}()

	return nil
}

// Stop stops the daemon gracefully
func (d *Daemon) Stop() error {
	logging.Info("daemon", "stopping daemon")

	d.cancel()

	if d.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.webServer.Shutdown(ctx); err != nil {
			logging.Warn("daemon", "web server shutdown error", logging.Fields{"error": err})
		}
	}

	if d.coreEngine != nil {
		if err := d.coreEngine.Stop(); err != nil {
			logging.Warn("daemon", "core engine shutdown error", logging.Fields{"error": err})
		}
	}

	d.wg.Wait()

	if d.controls != nil {
		d.controls.Close()
	}
	d.closeStore()

	logging.Info("daemon", "daemon stopped")
	return nil
}

func (d *Daemon) closeStore() {
	if d.store == nil {
		return
	}
	if err := d.store.Close(); err != nil {
		logging.Warn("daemon", "failed to close state store", logging.Fields{"error": err})
	}
}

// setupWebServer initializes the web server and routes
func (d *Daemon) setupWebServer() {
	addr := fmt.Sprintf("%s:%d", d.config.Web.BindAddress, d.config.Web.Port)
	d.webServer = &http.Server{
		Addr:    addr,
		Handler: d.router(),
	}
}

func (d *Daemon) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/status", d.handleGetStatus)
		api.GET("/parameters", d.handleGetParameters)
		api.PUT("/parameters", d.handleSetParameters)
		api.PUT("/mic_mute", d.handleSetMicMute)
		api.GET("/events", d.handleGetEvents)
		api.GET("/events/stats", d.handleGetEventStats)
		api.POST("/tone", d.handlePlayTone)
		api.POST("/capture", d.handleCapture)
		api.GET("/monitor", d.handleGetMonitor)
	}

	router.GET("/ws/monitor", d.handleMonitorWebSocket)
	return router
}
