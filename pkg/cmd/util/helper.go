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


package util

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	cmdcontext "github.com/pingcap/datastream/pkg/cmd/context"
	"github.com/pingcap/datastream/pkg/logutil"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpproxy"
)

// InitCmd sets up logging and the default command context, and returns
// the cancel function of that context. A broken log config exits.
func InitCmd(cmd *cobra.Command, logCfg *logutil.Config) context.CancelFunc {
	if err := logutil.InitLogger(logCfg); err != nil {
		cmd.Printf("init logger error %v\n", errors.ErrorStack(err))
		os.Exit(1)
	}
	log.Info("logger initialized", zap.String("file", logCfg.File), zap.String("level", logCfg.Level))

	ctx, cancel := context.WithCancel(context.Background())
	cmdcontext.SetDefaultContext(ctx)
	return cancel
}

// shutdownNotify starts a graceful shutdown without blocking, the returned
// channel is closed once it completes.
type shutdownNotify func() <-chan struct{}

// InitSignalHandling shuts down gracefully on the first termination signal
// and gives up waiting on the second one. cancel runs in both cases. Call it
// after InitCmd.
func InitSignalHandling(shutdown shutdownNotify, cancel context.CancelFunc) {
	sc := make(chan os.Signal, 2)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		defer cancel()
		sig := <-sc
		log.Info("shutting down on signal", zap.Stringer("signal", sig))
		select {
		case <-shutdown():
			log.Info("shutdown complete")
		case sig = <-sc:
			log.Info("forced shutdown on signal", zap.Stringer("signal", sig))
		}
	}()
}

// LogHTTPProxies logs the proxy settings found in the environment.
func LogHTTPProxies() {
	if fields := findProxyFields(); len(fields) > 0 {
		log.Info("using proxy config", fields...)
	}
}

func findProxyFields() []zap.Field {
	cfg := httpproxy.FromEnvironment()
	var fields []zap.Field
	for _, f := range []struct{ key, value string }{
		{"http_proxy", cfg.HTTPProxy},
		{"https_proxy", cfg.HTTPSProxy},
		{"no_proxy", cfg.NoProxy},
	} {
		if f.value != "" {
			fields = append(fields, zap.String(f.key, f.value))
		}
	}
	return fields
}

// StrictDecodeFile decodes the toml file at path into cfg and fails on any
// key cfg has no field for. Keys under the top level items in ignored are
// let through.
func StrictDecodeFile(path, component string, cfg interface{}, ignored ...string) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return errors.Trace(err)
	}
	skip := make(map[string]struct{}, len(ignored))
	for _, item := range ignored {
		skip[item] = struct{}{}
	}
	var unknown []string
	for _, key := range meta.Undecoded() {
		if _, ok := skip[key[0]]; ok {
			continue
		}
		unknown = append(unknown, key.String())
	}
	if len(unknown) > 0 {
		return errors.Errorf("component %s's config file %s contained unknown configuration options: %s",
			component, path, strings.Join(unknown, ", "))
	}
	return nil
}

// JSONPrint writes v to the output of cmd as indented JSON.
func JSONPrint(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	cmd.Printf("%s\n", data)
	return nil
}

// CheckErr prints err and exits when it is not nil.
func CheckErr(err error) {
	cobra.CheckErr(err)
}
