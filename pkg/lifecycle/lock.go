// Copyright 2024 The gVisor Authors.
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

package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"gvisor.dev/vmxctl/pkg/log"
)

// lockRetry is the interval between attempts to take a held lock.
const lockRetry = 100 * time.Millisecond

// Lock takes an exclusive lock on path, creating it if needed, and waits
// until ctx is done if another process holds it. The returned function
// releases the lock.
func Lock(ctx context.Context, path string) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0711); err != nil {
		return nil, fmt.Errorf("error creating lock directory for %q: %v", path, err)
	}
	l := flock.New(path)
	waiting := false
	op := func() error {
		ok, err := l.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			if !waiting {
				log.Infof("Waiting for lock %q held by another process", path)
				waiting = true
			}
			return fmt.Errorf("lock %q is held", path)
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(lockRetry), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("error acquiring lock %q: %w", path, err)
	}
	return l.Unlock, nil
}
