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
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pingcap/datastream/datastream/checkpoint"
	"github.com/pingcap/datastream/datastream/connector"
	"github.com/pingcap/datastream/datastream/coordinator"
	"github.com/pingcap/datastream/datastream/executor"
	"github.com/pingcap/datastream/datastream/membership"
	"github.com/pingcap/datastream/datastream/metadata"
	etcdstore "github.com/pingcap/datastream/datastream/metadata/etcd"
	"github.com/pingcap/datastream/datastream/metadata/memory"
	"github.com/pingcap/datastream/datastream/model"
	"github.com/pingcap/datastream/datastream/schemaregistry"
	"github.com/pingcap/datastream/datastream/transport/factory"
	"github.com/pingcap/datastream/pkg/config"
	"github.com/pingcap/datastream/pkg/etcd"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/version"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

const (
	// maxHTTPConnection is used to limit the max concurrent connections of http server.
	maxHTTPConnection = 1000
	// httpConnectionTimeout is used to limit a connection max alive time of http server.
	httpConnectionTimeout = 10 * time.Minute
	// gracefulShutdownTimeout bounds the drain of local tasks on shutdown.
	gracefulShutdownTimeout = 30 * time.Second
)

// Server runs one datastream instance: its coordinator, its executor and
// the status http server.
type Server struct {
	cfg      *config.ServerConfig
	listener net.Listener

	store        metadata.Store
	checkpoints  checkpoint.Store
	transports   *factory.Factory
	schemas      schemaregistry.Registry
	connectors   *connector.Registry
	executor     *executor.Executor
	coordinator  *coordinator.Coordinator
	statusServer *http.Server
}

// New creates a server listening on cfg.Addr and connects to its
// metadata store. cfg must be validated, ctx bounds the store client.
func New(ctx context.Context, cfg *config.ServerConfig) (*Server, error) {
	connectors, err := connector.NewRegistry(cfg.Connectors)
	if err != nil {
		return nil, errors.Trace(err)
	}
	log.Info("creating server", zap.Stringer("config", cfg))
	s := &Server{cfg: cfg, connectors: connectors}
	s.store, err = s.newStore(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.listener, err = net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = s.store.Close()
		return nil, cerror.WrapError(cerror.ErrServerNew, err)
	}
	return s, nil
}

// Addr returns the address the status server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) newStore(ctx context.Context) (metadata.Store, error) {
	switch s.cfg.Store.Backend {
	case config.StoreBackendMemory:
		log.Warn("cluster metadata is kept in memory, this instance runs standalone")
		return memory.NewStore(), nil
	default:
		cli, err := etcd.NewClient(ctx, s.cfg.Store.Endpoints,
			time.Duration(s.cfg.Store.DialTimeout), s.cfg.ClusterID)
		if err != nil {
			return nil, cerror.WrapError(cerror.ErrServerNew, err)
		}
		return etcdstore.NewStore(cli, "server"), nil
	}
}

func (s *Server) prepare(ctx context.Context) (err error) {
	store := s.store
	members := membership.NewRegistry(store, s.cfg.ClusterID, s.cfg.InstanceHost, int64(s.cfg.Store.SessionTTL))
	if err := s.checkVersion(ctx, members); err != nil {
		return errors.Trace(err)
	}

	s.checkpoints, err = checkpoint.New(ctx, s.cfg.Checkpoint, store, s.cfg.ClusterID)
	if err != nil {
		return errors.Trace(err)
	}
	s.transports = factory.New(s.cfg.Transport.Kafka)
	if s.cfg.SchemaRegistry.URL != "" {
		s.schemas = schemaregistry.NewConfluentRegistry(s.cfg.SchemaRegistry.URL,
			time.Duration(s.cfg.SchemaRegistry.Timeout), s.cfg.SchemaRegistry.MaxRetries)
	} else {
		s.schemas = schemaregistry.NewMemoryRegistry()
	}

	// the executor labels its records with the instance name, so the name
	// is allocated before the first join
	id, err := members.AllocateID(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	s.executor = executor.New(executor.Options{
		Instance:    id,
		ClusterID:   s.cfg.ClusterID,
		Store:       store,
		Connectors:  s.connectors,
		Transports:  s.transports,
		Registry:    s.schemas,
		Checkpoints: s.checkpoints,
		Config:      s.cfg.Executor,
		Producer:    s.cfg.Producer,
	})
	s.coordinator = coordinator.New(coordinator.Options{
		Store:     store,
		ClusterID: s.cfg.ClusterID,
		Info: &model.InstanceInfo{
			ID:            id,
			AdvertiseAddr: s.cfg.AdvertiseAddr,
			Version:       version.ReleaseVersion,
			Connectors:    s.connectors.Strategies(),
		},
		Host:            s.cfg.InstanceHost,
		SessionTTL:      int64(s.cfg.Store.SessionTTL),
		Config:          s.cfg.Coordinator,
		DefaultStrategy: config.DefaultStrategy,
		Executor:        s.executor,
		Checkpoints:     s.checkpoints,
	})
	return nil
}

// checkVersion refuses to join a cluster of another major release.
func (s *Server) checkVersion(ctx context.Context, members *membership.Registry) error {
	_, live, err := members.LiveInstances(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	versions := make([]string, 0, len(live))
	for _, info := range live {
		versions = append(versions, info.Version)
	}
	cv, err := version.GetClusterVersion(versions)
	if err != nil {
		log.Warn("unknown cluster version", zap.Error(err))
		return nil
	}
	return errors.Trace(version.CheckClusterVersion(cv, version.ReleaseVersion))
}

// Run prepares the server and blocks until ctx is done or a component
// fails. The local tasks are drained before it returns.
func (s *Server) Run(ctx context.Context) error {
	if err := s.prepare(ctx); err != nil {
		return errors.Trace(err)
	}
	s.startStatusHTTP()
	return s.run(ctx)
}

func (s *Server) startStatusHTTP() {
	lis := netutil.LimitListener(s.listener, maxHTTPConnection)

	// discard gin log output
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	// add gin.Recovery() to handle unexpected panic
	router.Use(gin.Recovery())
	RegisterRoutes(router, s.coordinator, registry)

	s.statusServer = &http.Server{
		Handler:      router,
		ReadTimeout:  httpConnectionTimeout,
		WriteTimeout: httpConnectionTimeout,
	}
	go func() {
		log.Info("http server is running", zap.String("addr", s.Addr()))
		err := s.statusServer.Serve(lis)
		if err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(cerror.WrapError(cerror.ErrServeHTTP, err)))
		}
	}()
}

func (s *Server) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg, cctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return s.coordinator.Run(cctx)
	})
	wg.Go(func() error {
		<-cctx.Done()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer closeCancel()
		if err := s.coordinator.Close(closeCtx); err != nil {
			log.Warn("close coordinator failed", zap.Error(err))
		}
		if err := s.statusServer.Shutdown(closeCtx); err != nil {
			log.Warn("shutdown status server failed", zap.Error(err))
		}
		return nil
	})
	return wg.Wait()
}

// Close releases the resources of the server. Call it after Run returns.
func (s *Server) Close() {
	if s.statusServer != nil {
		if err := s.statusServer.Close(); err != nil {
			log.Error("close status server", zap.Error(err))
		}
		s.statusServer = nil
	} else if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.coordinator != nil {
		if err := s.coordinator.Close(context.Background()); err != nil {
			log.Warn("close coordinator failed", zap.Error(err))
		}
	}
	if s.transports != nil {
		if err := s.transports.Close(); err != nil {
			log.Warn("close transports failed", zap.Error(err))
		}
	}
	if s.checkpoints != nil {
		if err := s.checkpoints.Close(); err != nil {
			log.Warn("close checkpoint store failed", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warn("close metadata store failed", zap.Error(err))
		}
	}
	log.Info("server closed")
}
