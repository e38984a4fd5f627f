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
	"strings"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Build information, set with -ldflags at link time.
var (
	ReleaseVersion = "None"
	BuildTS        = "None"
	GitHash        = "None"
	GitBranch      = "None"
	GoVersion      = "None"
)

type buildField struct {
	name  string
	key   string
	value string
}

func buildFields() []buildField {
	return []buildField{
		{"Release Version", "release-version", ReleaseVersion},
		{"Git Commit Hash", "git-hash", GitHash},
		{"Git Branch", "git-branch", GitBranch},
		{"UTC Build Time", "utc-build-time", BuildTS},
		{"Go Version", "go-version", GoVersion},
	}
}

// LogVersionInfo logs the build of app.
func LogVersionInfo(app string) {
	fields := buildFields()
	zapFields := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		zapFields = append(zapFields, zap.String(f.key, f.value))
	}
	log.Info("starting "+app, zapFields...)
}

// GetRawInfo renders the build information, one field per line.
func GetRawInfo() string {
	var b strings.Builder
	for _, f := range buildFields() {
		fmt.Fprintf(&b, "%s: %s\n", f.name, f.value)
	}
	return b.String()
}
