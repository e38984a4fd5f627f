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
	"strings"

	"github.com/pingcap/datastream/datastream/server"
	cmdcontext "github.com/pingcap/datastream/pkg/cmd/context"
	"github.com/pingcap/datastream/pkg/cmd/util"
	"github.com/pingcap/datastream/pkg/config"
	"github.com/pingcap/datastream/pkg/version"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// options defines flags for the `server` command.
type options struct {
	storeEndpoints       string
	serverConfigFilePath string

	serverConfig *config.ServerConfig
}

// newOptions creates new options for the `server` command.
func newOptions() *options {
	return &options{
		serverConfig: config.GetDefaultServerConfig(),
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	defaultServerConfig := config.GetDefaultServerConfig()
	cmd.Flags().StringVar(&o.serverConfig.Addr, "addr", defaultServerConfig.Addr, "Set the listening address")
	cmd.Flags().StringVar(&o.serverConfig.AdvertiseAddr, "advertise-addr", defaultServerConfig.AdvertiseAddr,
		"Set the advertise listening address for client communication")
	cmd.Flags().StringVar(&o.serverConfig.ClusterID, "cluster-id", defaultServerConfig.ClusterID,
		"Set the cluster the instance joins")
	cmd.Flags().StringVar(&o.serverConfig.InstanceHost, "instance-host", defaultServerConfig.InstanceHost,
		"Set the host part of the instance id, defaults to the advertise host")
	cmd.Flags().StringVar(&o.serverConfig.Store.Backend, "store-backend", defaultServerConfig.Store.Backend,
		"Metadata store backend (etc: etcd|memory)")
	cmd.Flags().StringVar(&o.storeEndpoints, "store", strings.Join(defaultServerConfig.Store.Endpoints, ","),
		"Set the metadata store endpoints to use. Use ',' to separate multiple endpoints")
	cmd.Flags().StringVar(&o.serverConfig.Log.File, "log-file", defaultServerConfig.Log.File, "log file path")
	cmd.Flags().StringVar(&o.serverConfig.Log.Level, "log-level", defaultServerConfig.Log.Level,
		"log level (etc: debug|info|warn|error)")

	cmd.Flags().StringVar(&o.serverConfigFilePath, "config", "", "Path of the configuration file")
}

func (o *options) run(cmd *cobra.Command) error {
	conf, err := o.loadAndVerifyServerConfig(cmd)
	if err != nil {
		return errors.Trace(err)
	}

	cancel := util.InitCmd(cmd, conf.Log)
	defer cancel()
	config.StoreGlobalServerConfig(conf)
	ctx := cmdcontext.GetDefaultContext()

	version.LogVersionInfo("Datastream")
	for _, path := range failpoint.List() {
		status, err := failpoint.Status(path)
		if err != nil {
			log.Error("fail to get failpoint status", zap.Error(err))
		}
		log.Info("failpoint enabled", zap.String("path", path), zap.String("status", status))
	}
	util.LogHTTPProxies()

	srv, err := server.New(ctx, conf)
	if err != nil {
		return errors.Annotate(err, "new server")
	}
	done := make(chan struct{})
	util.InitSignalHandling(func() <-chan struct{} {
		cancel()
		return done
	}, cancel)

	err = srv.Run(ctx)
	close(done)
	srv.Close()
	if err != nil && errors.Cause(err) != context.Canceled {
		log.Error("run server", zap.String("error", errors.ErrorStack(err)))
		return errors.Annotate(err, "run server")
	}
	log.Info("datastream server exits successfully")
	return nil
}

func (o *options) loadAndVerifyServerConfig(cmd *cobra.Command) (*config.ServerConfig, error) {
	conf := config.GetDefaultServerConfig()
	if len(o.serverConfigFilePath) > 0 {
		if err := util.StrictDecodeFile(o.serverConfigFilePath, "Datastream server", conf); err != nil {
			return nil, err
		}
	}
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "addr":
			conf.Addr = o.serverConfig.Addr
		case "advertise-addr":
			conf.AdvertiseAddr = o.serverConfig.AdvertiseAddr
		case "cluster-id":
			conf.ClusterID = o.serverConfig.ClusterID
		case "instance-host":
			conf.InstanceHost = o.serverConfig.InstanceHost
		case "store-backend":
			conf.Store.Backend = o.serverConfig.Store.Backend
		case "store":
			conf.Store.Endpoints = splitEndpoints(o.storeEndpoints)
		case "log-file":
			conf.Log.File = o.serverConfig.Log.File
		case "log-level":
			conf.Log.Level = o.serverConfig.Log.Level
		case "config":
			// do nothing
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})
	if err := conf.ValidateAndAdjust(); err != nil {
		return nil, errors.Trace(err)
	}
	return conf, nil
}

func splitEndpoints(s string) []string {
	endpoints := make([]string, 0)
	for _, ep := range strings.Split(s, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints
}

// NewCmdServer creates the `server` command.
func NewCmdServer() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "server",
		Short: "Start a datastream instance server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := o.run(cmd)
			if err != nil {
				cmd.Printf("datastream server exits with error %s\n", errors.ErrorStack(err))
			}
			return nil
		},
	}

	o.addFlags(command)

	return command
}
