package core

import "context"

// Constructor builds the instance for a key. It may perform network I/O and
// may fail; the manager invokes it at most once per key across the process
// group while the construction lock is held.
type Constructor func(ctx context.Context, key string) (any, error)
