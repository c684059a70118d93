//go:build linux

package connectivity

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// WatchLinks calls fn for every up/down change of a non-loopback interface
// until ctx is done.
func WatchLinks(ctx context.Context, fn func(name string, up bool)) error {
	updates := make(chan netlink.LinkUpdate)
	done := make(chan struct{})
	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return fmt.Errorf("subscribing to link updates: %w", err)
	}

	go func() {
		<-ctx.Done()
		close(done)
	}()
	go func() {
		for update := range updates {
			if name, up, ok := linkState(update.Link.Attrs()); ok {
				fn(name, up)
			}
		}
	}()
	return nil
}

func linkState(attrs *netlink.LinkAttrs) (name string, up bool, ok bool) {
	if attrs == nil || attrs.Name == "lo" || attrs.Flags&net.FlagLoopback != 0 {
		return "", false, false
	}
	return attrs.Name, attrs.Flags&net.FlagUp != 0, true
}
