package compress

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// rename is replaced in tests to simulate transient failures.
var rename = os.Rename

// writeAtomic stores data at path via a temporary file in the same
// directory. The rename is retried up to retries extra times with a
// linearly growing delay; the temporary file never survives a failure.
func writeAtomic(ctx context.Context, path string, data []byte, retries int, delay time.Duration) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(name)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return retry(ctx, retries, delay, func() error { return rename(name, path) })
}

func retry(ctx context.Context, retries int, delay time.Duration, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil || attempt >= retries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay * time.Duration(attempt+1)):
		}
	}
}
