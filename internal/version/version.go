// Copyright 2026 OpenBCH Developers
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package version provides build version information for keeper binaries.
// Values are injected at build time via -ldflags.
package version

import "fmt"

var (
	// Version is the semantic version, set manually for releases.
	Version = "0.1.0-dev"

	// CommitHash is the short git SHA of the build.
	CommitHash = "unknown"
)

// GetVersionString returns a formatted version string for logs and the
// version subcommand.
func GetVersionString() string {
	return fmt.Sprintf("%s (commit %s)", Version, CommitHash)
}
