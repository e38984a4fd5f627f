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

package model

import (
	"encoding/json"
	"sort"

	cerror "github.com/pingcap/datastream/pkg/errors"
)

// InstanceID is the cluster unique name of a running instance, <host>-<seq>.
type InstanceID = string

// InstanceInfo is stored in the coordination store under liveInstances/<id>
// for as long as the session of the instance is alive.
type InstanceInfo struct {
	ID            InstanceID `json:"id"`
	AdvertiseAddr string     `json:"address"`
	Version       string     `json:"version"`
	// Connectors maps every connector type the instance can run to the
	// assignment strategy the instance uses for it.
	Connectors map[string]string `json:"connectors"`
}

// Marshal using json.Marshal.
func (c *InstanceInfo) Marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrMarshalFailed, err)
	}
	return data, nil
}

// Unmarshal from binary data.
func (c *InstanceInfo) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, c)
	return cerror.WrapError(cerror.ErrUnmarshalFailed, err)
}

// CanRun reports whether the instance has a handler for the connector type.
func (c *InstanceInfo) CanRun(connectorType string) bool {
	_, ok := c.Connectors[connectorType]
	return ok
}

// ConnectorTypes returns the sorted connector types of the instance.
func (c *InstanceInfo) ConnectorTypes() []string {
	types := make([]string, 0, len(c.Connectors))
	for tp := range c.Connectors {
		types = append(types, tp)
	}
	sort.Strings(types)
	return types
}

// SortInstances sorts instances by id.
func SortInstances(instances []*InstanceInfo) {
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID < instances[j].ID
	})
}
