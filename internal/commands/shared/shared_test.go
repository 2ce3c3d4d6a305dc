// Copyright 2025 Tom Barlow
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

package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMutualExclusions(t *testing.T) {
	t.Run("recover and recover-step are exclusive", func(t *testing.T) {
		f := &Flags{Recover: true, RecoverStep: "load"}
		assert.Error(t, f.Validate())
	})

	t.Run("selected-steps and recover-step are exclusive", func(t *testing.T) {
		f := &Flags{SelectedSteps: []string{"load"}, RecoverStep: "load"}
		assert.Error(t, f.Validate())
	})

	t.Run("recover alone is fine", func(t *testing.T) {
		f := &Flags{Recover: true}
		assert.NoError(t, f.Validate())
	})

	t.Run("selected-steps with recover is fine", func(t *testing.T) {
		f := &Flags{SelectedSteps: []string{"load"}, Recover: true}
		assert.NoError(t, f.Validate())
	})
}

func TestValidateStepTimeouts(t *testing.T) {
	f := &Flags{StepTimeout: "configure=10, load=600"}
	require.NoError(t, f.Validate())
	assert.Equal(t, map[string]int{"configure": 10, "load": 600}, f.StepTimeouts)

	bad := &Flags{StepTimeout: "configure=soon"}
	assert.Error(t, bad.Validate())
}

func TestValidateLogFileName(t *testing.T) {
	f := &Flags{LogFileName: "run*log"}
	assert.Error(t, f.Validate())

	ok := &Flags{LogFileName: "run"}
	assert.NoError(t, ok.Validate())
}

func TestValidateHTTPRetries(t *testing.T) {
	f := &Flags{RaiSDKHTTPRetries: -1}
	assert.Error(t, f.Validate())
}
