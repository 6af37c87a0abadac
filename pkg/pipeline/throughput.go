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

package pipeline

// throughput smooths the per-cycle row rate with an exponentially weighted
// moving average, so bursty cycles do not make the reported rate jump.
type throughput struct {
	// decay is 2/(span+1), span counted in cycles
	decay float64
	value float64
	init  bool
}

func newThroughput(span float64) *throughput {
	return &throughput{decay: 2.0 / (span + 1.0)}
}

// observe folds in rows processed over seconds and returns the new rate.
func (t *throughput) observe(rows int, seconds float64) float64 {
	if seconds <= 0 {
		return t.value
	}
	rate := float64(rows) / seconds
	if !t.init {
		t.value = rate
		t.init = true
		return t.value
	}
	t.value += t.decay * (rate - t.value)
	return t.value
}

func (t *throughput) rate() float64 {
	return t.value
}
