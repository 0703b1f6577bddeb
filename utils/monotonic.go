// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utils

import "sync/atomic"

// MonotonicID is a thread-safe, strictly increasing counter. It backs
// the RabbitMQ adapter's locally-assigned message ids, where only
// monotonicity, not a particular starting value, matters.
type MonotonicID struct {
	ID uint64
}

// Next atomically increments and returns the new id.
func (m *MonotonicID) Next() uint64 {
	return atomic.AddUint64(&m.ID, 1)
}
