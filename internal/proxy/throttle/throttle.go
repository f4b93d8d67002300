// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: July 2026
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

// Package throttle paces byte-stream emission to simulate
// period-accurate connection speeds.
package throttle

import (
	"context"
	"io"
	"time"

	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/telemetry"
)

// SpeedTiers maps tier names to bytes per second. 0 means unlimited.
var SpeedTiers = map[string]int{
	"14.4k": 1800,   // 14.4 kbps modem
	"28.8k": 3600,   // 28.8 kbps modem
	"56k":   7000,   // 56 kbps modem
	"isdn":  16000,  // 128 kbps ISDN
	"dsl":   125000, // 1 Mbps early DSL
	"none":  0,      // unlimited
}

// TierNames lists the tiers in slowest-to-fastest order, for UI use.
var TierNames = []string{"14.4k", "28.8k", "56k", "isdn", "dsl", "none"}

// IsTier reports whether name is a known speed tier.
func IsTier(name string) bool {
	_, ok := SpeedTiers[name]
	return ok
}

const chunkInterval = 100 * time.Millisecond

// Write emits data to w at the tier's byte rate: chunks of rate/10
// bytes with a 100ms delay between successive chunks, no delay before
// the first or after the last. An unknown or unlimited tier writes the
// whole buffer at once. Cancellation during a sleep aborts immediately
// without emitting the pending chunk.
func Write(ctx context.Context, w io.Writer, data []byte, speed string) error {
	rate := SpeedTiers[speed]

	if rate == 0 || len(data) == 0 {
		_, err := w.Write(data)
		telemetry.RecordThrottledBytes(len(data))
		return err
	}

	chunk := rate / 10
	if chunk < 1 {
		chunk = 1
	}

	for offset := 0; offset < len(data); {
		end := offset + chunk
		if end > len(data) {
			end = len(data)
		}
		n, err := w.Write(data[offset:end])
		telemetry.RecordThrottledBytes(n)
		if err != nil {
			return err
		}
		offset = end
		if offset < len(data) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(chunkInterval):
			}
		}
	}
	return nil
}
