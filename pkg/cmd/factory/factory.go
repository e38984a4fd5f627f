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

package factory

import (
	"context"
	"strings"
	"time"

	"github.com/pingcap/datastream/datastream/metadata"
	etcdstore "github.com/pingcap/datastream/datastream/metadata/etcd"
	"github.com/pingcap/datastream/pkg/config"
	"github.com/pingcap/datastream/pkg/etcd"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

const defaultDialTimeout = 5 * time.Second

// Factory defines the client-side construction factory.
type Factory interface {
	ClientGetter
	// MetadataStore connects to the coordination store of the cluster.
	MetadataStore(ctx context.Context) (metadata.Store, error)
}

// ClientGetter defines the client getter.
type ClientGetter interface {
	GetStoreEndpoints() []string
	GetClusterID() string
	GetLogLevel() string
}

// ClientFlags specifies the parameters needed to construct the client.
type ClientFlags struct {
	storeAddr string
	clusterID string
	logLevel  string
}

var _ ClientGetter = &ClientFlags{}

// NewClientFlags creates new client flags.
func NewClientFlags() *ClientFlags {
	return &ClientFlags{}
}

// AddFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (c *ClientFlags) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&c.storeAddr, "store", "http://127.0.0.1:2379",
		"Coordination store address, use ',' to separate multiple endpoints")
	cmd.PersistentFlags().StringVar(&c.clusterID, "cluster-id", config.DefaultClusterID,
		"Datastream cluster id")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn",
		"log level (etc: debug|info|warn|error)")
}

// GetStoreEndpoints returns the coordination store endpoints.
func (c *ClientFlags) GetStoreEndpoints() []string {
	return strings.Split(c.storeAddr, ",")
}

// GetClusterID returns the cluster id.
func (c *ClientFlags) GetClusterID() string {
	return c.clusterID
}

// GetLogLevel returns log level.
func (c *ClientFlags) GetLogLevel() string {
	return c.logLevel
}

type factoryImpl struct {
	ClientGetter
}

// NewFactory creates a client build factory.
func NewFactory(c ClientGetter) Factory {
	return &factoryImpl{ClientGetter: c}
}

// MetadataStore returns an etcd backed store of the cluster.
func (f *factoryImpl) MetadataStore(ctx context.Context) (metadata.Store, error) {
	cli, err := etcd.NewClient(ctx, f.GetStoreEndpoints(), defaultDialTimeout, f.GetClusterID())
	if err != nil {
		return nil, errors.Annotate(err, "fail to open coordination store client")
	}
	return etcdstore.NewStore(cli, "cli"), nil
}
