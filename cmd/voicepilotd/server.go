package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/PlagueHO/voicepilot-realtime/internal/config"
	"github.com/PlagueHO/voicepilot-realtime/internal/logging"
	"github.com/PlagueHO/voicepilot-realtime/internal/proto"
	"github.com/PlagueHO/voicepilot-realtime/internal/rtc"
	"github.com/PlagueHO/voicepilot-realtime/internal/session"
)

var upgrader = &websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Server struct {
	logger     zerolog.Logger
	config     config.Config
	service    *session.Service
	gatherer   prometheus.Gatherer
	httpServer *http.Server
}

func NewServer(cfg config.Config, service *session.Service, gatherer prometheus.Gatherer) *Server {
	return &Server{
		logger:   logging.NewLogger("server"),
		config:   cfg,
		service:  service,
		gatherer: gatherer,
	}
}

func (s *Server) Run() error {
	r := gin.Default()

	if origins := s.config.HTTP.AllowedOrigins; len(origins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = origins
		r.Use(cors.New(corsConfig))
	} else {
		r.Use(cors.Default())
	}
	r.Use(gin.ErrorLogger())

	/**
	 * API GET resource that returns the full session snapshot: lifecycle
	 * state, connection ids and the recovery and error counters.
	 */
	r.GET("/status", func(c *gin.Context) {
		c.JSON(200, s.service.Status())
	})

	/**
	 * API GET resource that returns the live connection diagnostics.
	 */
	r.GET("/statistics", func(c *gin.Context) {
		status := s.service.Status()
		c.JSON(200, gin.H{
			"statistics": status.Statistics,
			"recovery":   status.Recovery,
			"errors":     status.Errors,
			"queueDepth": status.QueueDepth,
		})
	})

	/**
	 * POST API to start a voice session. Responds once the connection is
	 * established or has failed.
	 */
	r.POST("/session/start", func(c *gin.Context) {
		budget := s.config.Connection.Policy.ConnectTimeout + s.config.KeyService.Timeout
		ctx, cancel := context.WithTimeout(c.Request.Context(), budget)
		defer cancel()

		if err := s.service.Start(ctx); err != nil {
			c.AbortWithStatusJSON(startFailureStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, s.service.Status())
	})

	/**
	 * POST API to stop the running voice session.
	 */
	r.POST("/session/stop", func(c *gin.Context) {
		if err := s.service.Stop(); err != nil {
			c.AbortWithError(500, err)
			return
		}
		c.JSON(200, s.service.Status())
	})

	/**
	 * POST API to inject a user text message into the conversation.
	 */
	r.POST("/session/text", func(c *gin.Context) {
		request := struct {
			Text string `json:"text"`
		}{}
		if c.BindJSON(&request) != nil {
			return
		}
		if err := s.service.SendText(request.Text); err != nil {
			c.AbortWithStatusJSON(controlFailureStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"queued": s.service.Status().QueueDepth})
	})

	/**
	 * POST API to cancel the in flight assistant response.
	 */
	r.POST("/session/interrupt", func(c *gin.Context) {
		if err := s.service.Interrupt(); err != nil {
			c.AbortWithStatusJSON(controlFailureStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})

	/**
	 * POST API to push new session parameters (voice, formats, turn
	 * detection) into the running session.
	 */
	r.POST("/session/update", func(c *gin.Context) {
		request := config.SessionConfig{}
		if c.BindJSON(&request) != nil {
			return
		}
		if err := s.service.UpdateSessionParameters(request); err != nil {
			c.AbortWithStatusJSON(controlFailureStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})

	/**
	 * GET resource that exposes the collected prometheus metrics.
	 */
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	pprof.Register(r)

	// one-way websocket stream of session events
	r.GET("/events", s.runEventsWebSocket)

	addr := fmt.Sprintf("%s:%d", s.config.HTTP.ListenIp, s.config.HTTP.ListenPort)
	s.httpServer = &http.Server{Addr: addr, Handler: r}

	s.logger.Info().Str("addr", addr).Msg("http server listening")

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return errors.Wrap(s.httpServer.Shutdown(ctx), "shutting down http server")
}

// runEventsWebSocket pushes every session event to the subscriber. A slow
// reader loses events rather than stalling the engine.
func (s *Server) runEventsWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	s.logger.Info().Str("address", c.ClientIP()).Str("origin", c.GetHeader("Origin")).
		Msg("events subscriber connected")

	buffer := make(chan proto.StreamEvent, 64)
	sub := s.service.OnStreamEvent(func(ev proto.StreamEvent) {
		select {
		case buffer <- ev:
		default:
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		sub.Close()
		conn.Close()
		s.logger.Info().Str("address", c.ClientIP()).Msg("events subscriber gone")
	}()

	for {
		select {
		case ev := <-buffer:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// startFailureStatus maps a session start failure onto an http status:
// conflicts for double starts, client errors for non-recoverable
// configuration or credential problems, bad gateway for the rest.
func startFailureStatus(err error) int {
	if strings.Contains(err.Error(), "already running") {
		return http.StatusConflict
	}
	var terr *rtc.TransportError
	if errors.As(err, &terr) && !terr.Recoverable {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func controlFailureStatus(err error) int {
	if strings.Contains(err.Error(), "not running") {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}
