package coordkv

import (
	"context"
	"strings"
)

// WaitForKey blocks until key exists or ctx is done.
func WaitForKey(ctx context.Context, store Store, key string) error {
	return waitForListing(ctx, store, key, func(l *Listing) bool {
		for _, entry := range l.Entries {
			if entry.Key == key {
				return true
			}
		}
		return false
	})
}

// WaitForChildren blocks until at least count keys exist directly or
// indirectly below parent.
func WaitForChildren(ctx context.Context, store Store, parent string, count int) error {
	prefix := strings.TrimSuffix(parent, "/") + "/"
	return waitForListing(ctx, store, prefix, func(l *Listing) bool {
		return len(l.Entries) >= count
	})
}

func waitForListing(ctx context.Context, store Store, prefix string, done func(*Listing) bool) error {
	mirrorCtx, mirrorCancel := context.WithCancel(ctx)
	defer mirrorCancel()

	listingCh, err := Mirror(mirrorCtx, store, prefix)
	if err != nil {
		return err
	}

	for {
		select {
		case listing, ok := <-listingCh:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrStoreClosed
			}
			if done(listing) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
