// Copyright 2025 Kadir Pekel
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

package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Sweep deletes expired counters from the fallback and from the durable store.
// Stores that expire keys on their own report zero.
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	now := c.now()

	removed, err := c.fallback.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep fallback counters: %w", err)
	}

	if c.storeUsable(now) {
		var n int
		err := c.callStore(ctx, "sweep", func(ctx context.Context) error {
			var err error
			n, err = c.store.DeleteExpired(ctx, now)
			return err
		})
		if err != nil {
			return removed, fmt.Errorf("failed to sweep %s counters: %w", c.store.Name(), err)
		}
		removed += n
	}

	return removed, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Controller) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Debug("Counter sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Counter sweeper stopped")
			return nil
		case <-ticker.C:
			removed, err := c.Sweep(ctx)
			if err != nil {
				c.logger.Warn("Counter sweep failed", "error", err, "removed", removed)
				continue
			}
			if removed > 0 {
				c.logger.Debug("Swept expired counters", "removed", removed)
			}
		}
	}
}
