//go:build !linux

package connectivity

import (
	"context"
	"errors"
)

func WatchLinks(ctx context.Context, fn func(name string, up bool)) error {
	return errors.ErrUnsupported
}
