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

package version

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/coreos/go-semver/semver"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/errors"
)

var versionHash = regexp.MustCompile("-[0-9]+-g[0-9a-f]{7,}(-dev)?")

func removeVAndHash(v string) string {
	if v == "" {
		return v
	}
	v = versionHash.ReplaceAllLiteralString(v, "")
	v = strings.TrimSuffix(v, "-dirty")
	return strings.TrimPrefix(v, "v")
}

// ClusterVersion is the lowest and highest release of the live instances
// of a cluster. Instances built without a release version are skipped.
type ClusterVersion struct {
	Min *semver.Version
	Max *semver.Version
}

// IsUnknown reports whether no live instance carries a release version.
func (v ClusterVersion) IsUnknown() bool {
	return v.Min == nil
}

// GetClusterVersion returns the version range of the given instance
// versions.
func GetClusterVersion(versions []string) (ClusterVersion, error) {
	var cv ClusterVersion
	for _, versionStr := range versions {
		if versionStr == "" || versionStr == "None" {
			continue
		}
		ver, err := semver.NewVersion(removeVAndHash(versionStr))
		if err != nil {
			err = errors.Annotate(err, "invalid instance version")
			return ClusterVersion{}, cerror.WrapError(cerror.ErrNewSemVersion, err)
		}
		if cv.Min == nil || ver.Compare(*cv.Min) < 0 {
			cv.Min = ver
		}
		if cv.Max == nil || ver.Compare(*cv.Max) > 0 {
			cv.Max = ver
		}
	}
	return cv, nil
}

// CheckClusterVersion returns an error if ver cannot run next to the
// cluster. Instances of one cluster must share the major version.
func CheckClusterVersion(cv ClusterVersion, ver string) error {
	if cv.IsUnknown() || ver == "" || ver == "None" {
		return nil
	}
	own, err := semver.NewVersion(removeVAndHash(ver))
	if err != nil {
		return cerror.WrapError(cerror.ErrNewSemVersion, err)
	}
	if own.Major != cv.Min.Major || own.Major != cv.Max.Major {
		arg := fmt.Sprintf("instance %s cannot join a cluster running %s to %s", own, cv.Min, cv.Max)
		return cerror.ErrVersionIncompatible.GenWithStackByArgs(arg)
	}
	return nil
}
