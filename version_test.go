/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ecomflow

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name      string
		commit    string
		tag       string
		treeState string
		want      string
	}{
		{name: "tagged clean tree", commit: "1234567890abcdef", tag: "v0.4.0", treeState: "clean", want: "v0.4.0"},
		{name: "tagged dirty tree", commit: "1234567890abcdef", tag: "v0.4.0", treeState: "dirty", want: "latest+1234567.dirty"},
		{name: "untagged clean tree", commit: "1234567890abcdef", treeState: "clean", want: "latest+1234567"},
		{name: "short commit", commit: "12345", treeState: "clean", want: "latest+unknown"},
		{name: "no build info", want: "latest+unknown"},
	}
	v, c, tag, state := version, gitCommit, gitTag, gitTreeState
	t.Cleanup(func() {
		version, gitCommit, gitTag, gitTreeState = v, c, tag, state
	})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, gitCommit, gitTag, gitTreeState = "latest", tt.commit, tt.tag, tt.treeState
			got := GetVersion()
			assert.Equal(t, tt.want, got.Version)
			assert.Equal(t, tt.commit, got.GitCommit)
			assert.Equal(t, runtime.Version(), got.GoVersion)
			assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, got.Platform)
		})
	}
}

func TestVersion_String(t *testing.T) {
	s := Version{Version: "v0.4.0", GitTreeState: "clean", Platform: "linux/arm64"}.String()
	assert.True(t, strings.HasPrefix(s, "Version: v0.4.0, BuildDate: , "), s)
	assert.Contains(t, s, "GitTreeState: clean")
	assert.True(t, strings.HasSuffix(s, "Platform: linux/arm64"), s)
}
