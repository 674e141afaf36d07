package coordkv

import (
	"context"
	"sort"
)

// Mirror keeps a full copy of everything under prefix and emits a fresh
// Listing whenever it changes.  The first listing is emitted before Mirror
// returns successfully.  The output channel is closed when ctx is cancelled
// or the underlying watch terminates.
func Mirror(ctx context.Context, store Store, prefix string) (<-chan *Listing, error) {
	// fetch the initial state of the prefix
	listing, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	watchCtx, watchCancel := context.WithCancel(ctx)
	watchCh, err := store.Watch(watchCtx, prefix, listing.Revision)
	if err != nil {
		watchCancel()
		return nil, err
	}

	keyMap := make(map[string]*Entry, len(listing.Entries))
	for _, entry := range listing.Entries {
		keyMap[entry.Key] = entry
	}

	emitKeyMap := func(revision int64) *Listing {
		entries := make([]*Entry, 0, len(keyMap))
		for _, entry := range keyMap {
			entries = append(entries, entry)
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Key < entries[j].Key
		})

		return &Listing{
			Revision: revision,
			Entries:  entries,
		}
	}

	outputCh := make(chan *Listing, 1)
	outputCh <- emitKeyMap(listing.Revision)

	go func() {
		defer close(outputCh)
		defer watchCancel()

		for watchResp := range watchCh {
			// update our key-map with the events
			for _, evt := range watchResp.Events {
				switch evt.Type {
				case EventPut:
					keyMap[evt.Entry.Key] = evt.Entry
				case EventDelete:
					delete(keyMap, evt.Entry.Key)
				}
			}

			select {
			case outputCh <- emitKeyMap(watchResp.Revision):
			case <-ctx.Done():
				return
			}
		}
	}()

	return outputCh, nil
}
