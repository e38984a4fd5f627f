// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pingcap/datastream/datastream/coordinator"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/logutil"
	"github.com/pingcap/datastream/pkg/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const apiTimeout = 10 * time.Second

// StatusProvider is the part of a coordinator the http api reads.
type StatusProvider interface {
	Status(ctx context.Context) (*coordinator.Status, error)
	TriggerRebalance()
}

// ServerStatus is the body of GET /status.
type ServerStatus struct {
	Version    string            `json:"version"`
	GitHash    string            `json:"git_hash"`
	ID         string            `json:"id"`
	Pid        int               `json:"pid"`
	State      coordinator.State `json:"state"`
	Leader     bool              `json:"leader"`
	Generation int64             `json:"generation"`
}

// HTTPError is the body of a failed request.
type HTTPError struct {
	Error string `json:"error_msg"`
	Code  string `json:"error_code"`
}

// EmptyResponse is the body of a request without result.
type EmptyResponse struct{}

// LogLevelRequest is the body of POST /api/v1/log.
type LogLevelRequest struct {
	Level string `json:"log_level"`
}

func newHTTPError(err error) HTTPError {
	code, _ := cerror.RFCCode(err)
	return HTTPError{Error: err.Error(), Code: string(code)}
}

// RegisterRoutes adds the status api of p to router.
func RegisterRoutes(router *gin.Engine, p StatusProvider, gatherer prometheus.Gatherer) {
	router.Use(metricsMiddleware())
	router.Use(timeoutMiddleware(apiTimeout))
	router.Use(errorHandleMiddleware())

	h := &handler{provider: p}
	router.GET("/status", h.serverStatus)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/tasks", h.listTasks)
		v1.GET("/unassigned", h.listUnassigned)
		v1.POST("/rebalance", h.rebalance)
		v1.POST("/log", h.setLogLevel)
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// pprof debug API
	pprofGroup := router.Group("/debug/pprof")
	{
		pprofGroup.GET("", gin.WrapF(pprof.Index))
		pprofGroup.GET("/:any", gin.WrapF(pprof.Index))
		pprofGroup.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		pprofGroup.GET("/profile", gin.WrapF(pprof.Profile))
		pprofGroup.GET("/symbol", gin.WrapF(pprof.Symbol))
		pprofGroup.GET("/trace", gin.WrapF(pprof.Trace))
	}
}

type handler struct {
	provider StatusProvider
}

func (h *handler) serverStatus(c *gin.Context) {
	st, err := h.provider.Status(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.IndentedJSON(http.StatusOK, &ServerStatus{
		Version:    version.ReleaseVersion,
		GitHash:    version.GitHash,
		ID:         st.Instance,
		Pid:        os.Getpid(),
		State:      st.State,
		Leader:     st.Leader,
		Generation: st.Generation,
	})
}

func (h *handler) listTasks(c *gin.Context) {
	st, err := h.provider.Status(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.IndentedJSON(http.StatusOK, st.Tasks)
}

func (h *handler) listUnassigned(c *gin.Context) {
	st, err := h.provider.Status(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.IndentedJSON(http.StatusOK, st.Unassigned)
}

func (h *handler) rebalance(c *gin.Context) {
	h.provider.TriggerRebalance()
	c.JSON(http.StatusAccepted, &EmptyResponse{})
}

func (h *handler) setLogLevel(c *gin.Context) {
	var req LogLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest,
			newHTTPError(cerror.WrapError(cerror.ErrAPIInvalidParam, err)))
		return
	}
	if err := logutil.SetLogLevel(req.Level); err != nil {
		c.IndentedJSON(http.StatusBadRequest,
			newHTTPError(cerror.WrapError(cerror.ErrAPIInvalidParam, err)))
		return
	}
	c.JSON(http.StatusOK, &EmptyResponse{})
}

// timeoutMiddleware wraps the request context with a timeout
func timeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// errorHandleMiddleware puts the error into response
func errorHandleMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		// handlers return right after their first error
		lastError := c.Errors.Last()
		if lastError != nil {
			c.IndentedJSON(http.StatusInternalServerError, newHTTPError(lastError.Err))
			c.Abort()
		}
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		httpRequestCounter.WithLabelValues(path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
