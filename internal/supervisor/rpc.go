//go:build linux

package supervisor

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/silverwing-labs/raptord/internal/raptorconfig"
	"github.com/silverwing-labs/raptord/internal/service"
	"github.com/silverwing-labs/raptord/pkg/shellsplit"
)

// zapAccessLog is the teacher's ZapLogger gin middleware, adapted to log
// under this daemon's operational logger instead of HTTP-only concerns.
func zapAccessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", latency),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// newHTTPServer builds the gin engine and http.Server for the RPC surface,
// following the teacher's cmd/zmux-server/main.go construction: Recovery
// first, dev-only CORS, then the access-log middleware, with explicit
// server timeouts and a zap-backed ErrorLog.
func (s *Supervisor) newHTTPServer() *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})

	r.Use(gin.Recovery())

	if os.Getenv("RAPTORD_ENV") == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "POST"},
			AllowHeaders:     []string{"Content-Type"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(zapAccessLog(s.zlog))

	s.registerRoutes(r)

	return &http.Server{
		Addr:           fmt.Sprintf("127.0.0.1:%d", s.rpcPort),
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   0, // subscribe streams are long-lived
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 15,
		ErrorLog:       zap.NewStdLog(s.zlog.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}
}

func (s *Supervisor) registerRoutes(r *gin.Engine) {
	r.POST("/rpc/start", s.handleStart)
	r.POST("/rpc/stop", s.handleStop)
	r.POST("/rpc/restart", s.handleRestart)
	r.POST("/rpc/stdin", s.handleStdin)
	r.GET("/rpc/status/:name", s.handleGetStatus)
	r.GET("/rpc/statusAll", s.handleGetStatusAll)
	r.POST("/rpc/loadConfig", s.handleLoadConfig)
	r.POST("/rpc/quit", s.handleQuit)
	r.POST("/rpc/shutdown", s.handleShutdown)
	r.POST("/rpc/reboot", s.handleReboot)
	r.GET("/rpc/config", s.handleGetConfig)
	r.POST("/rpc/config/set", s.handleSetConfig)
	r.POST("/rpc/config/update", s.handleUpdateConfig)
	r.GET("/rpc/serviceConfig/:name", s.handleGetServiceConfig)
	r.POST("/rpc/serviceConfig/:name/set", s.handleSetServiceConfig)
	r.POST("/rpc/serviceConfig/:name/update", s.handleUpdateServiceConfig)
	r.GET("/rpc/subscribe", s.handleSubscribe)
	r.POST("/rpc/unsubscribe", s.handleUnsubscribe)
}

func writeRPCError(c *gin.Context, err error) {
	var unk *unknownServiceError
	var fe *raptorconfig.FieldError
	switch {
	case errors.As(err, &unk):
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
	case errors.As(err, &fe):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case errors.Is(err, service.ErrAlreadyActive), errors.Is(err, service.ErrNotActive):
		c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
	}
	_ = c.Error(err)
}

type svcNameReq struct {
	Name string `json:"name" binding:"required"`
}

func (s *Supervisor) handleStart(c *gin.Context) {
	var req svcNameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := s.start(req.Name); err != nil {
		writeRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Supervisor) handleStop(c *gin.Context) {
	var req svcNameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	svc, ok := s.lookupService(req.Name)
	if !ok {
		writeRPCError(c, errUnknownService(req.Name))
		return
	}
	if err := svc.Stop(); err != nil {
		writeRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Supervisor) handleRestart(c *gin.Context) {
	var req svcNameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	svc, err := s.getOrCreateService(req.Name)
	if err != nil {
		writeRPCError(c, err)
		return
	}
	if err := svc.Restart(); err != nil {
		writeRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Supervisor) handleStdin(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	svc, ok := s.lookupService(req.Name)
	if !ok {
		writeRPCError(c, errUnknownService(req.Name))
		return
	}
	if err := svc.Stdin(req.Text); err != nil {
		writeRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func statusJSON(svc *service.Service) gin.H {
	st := svc.Status()
	return gin.H{
		"status":         st.State,
		"procStatus":     st.ProcStatus,
		"pid":            st.PID,
		"returnValue":    st.ReturnValue,
		"hasReturnValue": st.HasReturnValue,
		"sigNum":         st.SigNum,
		"sigName":        st.SigName,
		"startupFailed":  st.StartupFailed,
	}
}

func (s *Supervisor) handleGetStatus(c *gin.Context) {
	name := c.Param("name")
	svc, ok := s.lookupService(name)
	if !ok {
		writeRPCError(c, errUnknownService(name))
		return
	}
	c.JSON(http.StatusOK, statusJSON(svc))
}

func (s *Supervisor) handleGetStatusAll(c *gin.Context) {
	out := gin.H{}
	for _, svc := range s.snapshotServices() {
		out[svc.Name()] = statusJSON(svc)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Supervisor) handleLoadConfig(c *gin.Context) {
	var req struct {
		Path string `json:"path"`
	}
	_ = c.ShouldBindJSON(&req)

	path := req.Path
	s.mu.RLock()
	if path == "" {
		path = s.configPath
	}
	s.mu.RUnlock()

	if err := s.reloadConfigFile(path); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Supervisor) handleQuit(c *gin.Context) {
	s.requestQuit()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Supervisor) handleShutdown(c *gin.Context) {
	var req struct {
		Cmd string `json:"cmd"`
	}
	_ = c.ShouldBindJSON(&req)
	cmdString := req.Cmd
	if cmdString == "" {
		cmdString = "sudo /sbin/shutdown -h now"
	}
	argv, err := shellsplit.Split(cmdString)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.mu.Lock()
	s.shutdownCmd = argv
	s.mu.Unlock()
	s.requestQuit()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Supervisor) handleReboot(c *gin.Context) {
	s.mu.Lock()
	s.shutdownCmd, _ = shellsplit.Split("sudo /sbin/shutdown -r now")
	s.mu.Unlock()
	s.requestQuit()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Supervisor) handleGetConfig(c *gin.Context) {
	field := c.Query("field")
	s.mu.RLock()
	v, err := s.config.Get(field)
	s.mu.RUnlock()
	if err != nil {
		writeRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": v})
}

func (s *Supervisor) handleSetConfig(c *gin.Context) {
	var req struct {
		Field string `json:"field" binding:"required"`
		Value any    `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.mu.Lock()
	err := s.config.Set(req.Field, req.Value)
	s.mu.Unlock()
	if err != nil {
		writeRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Supervisor) handleUpdateConfig(c *gin.Context) {
	var req struct {
		Field     string         `json:"field" binding:"required"`
		ValueDict map[string]any `json:"valueDict"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.mu.Lock()
	err := s.config.Update(req.Field, req.ValueDict)
	s.mu.Unlock()
	if err != nil {
		writeRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Supervisor) handleGetServiceConfig(c *gin.Context) {
	name := c.Param("name")
	s.mu.RLock()
	v, err := s.config.Get("SERVICES." + name)
	s.mu.RUnlock()
	if err != nil {
		writeRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": v})
}

func (s *Supervisor) handleSetServiceConfig(c *gin.Context) {
	name := c.Param("name")
	var value any
	if err := c.ShouldBindJSON(&value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.mu.Lock()
	err := s.config.Set("SERVICES."+name, value)
	s.mu.Unlock()
	if err != nil {
		writeRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Supervisor) handleUpdateServiceConfig(c *gin.Context) {
	name := c.Param("name")
	var valueDict map[string]any
	if err := c.ShouldBindJSON(&valueDict); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.mu.Lock()
	err := s.config.Update("SERVICES."+name, valueDict)
	s.mu.Unlock()
	if err != nil {
		writeRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleSubscribe streams NDJSON: the first line is {"id": <subscription
// id>} with the id as a JSON integer, matching the original's zerorpc.stream convention of yielding the
// subscription id first; subsequent lines are {"topic":..., "text":...}
// records until the client disconnects or unsubscribe() is called.
func (s *Supervisor) handleSubscribe(c *gin.Context) {
	pattern := c.Query("pattern")
	if pattern == "" {
		pattern = "*"
	}
	sub, err := s.router.Subscribe(pattern)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	defer sub.Unsubscribe()

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	w := bufio.NewWriter(c.Writer)

	enc := json.NewEncoder(w)
	if err := enc.Encode(gin.H{"id": sub.ID}); err != nil {
		return
	}
	w.Flush()
	c.Writer.Flush()

	// Unblock sub.Next() the moment the client goes away: nothing else
	// would wake a subscriber parked waiting for the next message.
	go func() {
		<-c.Request.Context().Done()
		sub.Unsubscribe()
	}()

	for {
		msg, ok := sub.Next()
		if !ok {
			return
		}
		if err := enc.Encode(gin.H{"topic": msg.Topic, "text": msg.Text}); err != nil {
			return
		}
		w.Flush()
		c.Writer.Flush()
	}
}

func (s *Supervisor) handleUnsubscribe(c *gin.Context) {
	var req struct {
		ID int `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.router.Unsubscribe(req.ID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
