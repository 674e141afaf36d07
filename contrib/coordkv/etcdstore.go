package coordkv

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type EtcdStoreOptions struct {
	EtcdClient *etcd.Client
	Logger     *zap.Logger
}

type EtcdStore struct {
	etcdClient *etcd.Client
	logger     *zap.Logger
}

var _ Store = (*EtcdStore)(nil)

func NewEtcdStore(opts EtcdStoreOptions) (*EtcdStore, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("etcd client must be specified")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EtcdStore{
		etcdClient: opts.EtcdClient,
		logger:     logger,
	}, nil
}

func entryFromKv(kv *mvccpb.KeyValue) *Entry {
	return &Entry{
		Key:            string(kv.Key),
		Value:          kv.Value,
		CreateRevision: kv.CreateRevision,
		ModRevision:    kv.ModRevision,
	}
}

func (s *EtcdStore) Get(ctx context.Context, key string) (*Entry, error) {
	resp, err := s.etcdClient.KV.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if len(resp.Kvs) == 0 {
		return nil, ErrKeyNotFound
	}

	return entryFromKv(resp.Kvs[0]), nil
}

func (s *EtcdStore) List(ctx context.Context, prefix string) (*Listing, error) {
	resp, err := s.etcdClient.KV.Get(ctx, prefix,
		etcd.WithPrefix(),
		etcd.WithSort(etcd.SortByKey, etcd.SortAscend))
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		entries = append(entries, entryFromKv(kv))
	}

	return &Listing{
		Revision: resp.Header.Revision,
		Entries:  entries,
	}, nil
}

func (s *EtcdStore) createWithOpts(ctx context.Context, key string, value []byte, opts ...etcd.OpOption) error {
	resp, err := s.etcdClient.KV.Txn(ctx).
		If(etcd.Compare(etcd.CreateRevision(key), "=", 0)).
		Then(etcd.OpPut(key, string(value), opts...)).
		Commit()
	if err != nil {
		return err
	}

	if !resp.Succeeded {
		return ErrKeyExists
	}

	return nil
}

func (s *EtcdStore) Create(ctx context.Context, key string, value []byte) error {
	return s.createWithOpts(ctx, key, value)
}

func (s *EtcdStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.etcdClient.KV.Put(ctx, key, string(value))
	return err
}

func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	_, err := s.etcdClient.KV.Delete(ctx, key)
	return err
}

func (s *EtcdStore) DeleteIfCreated(ctx context.Context, key string, createRevision int64) (bool, error) {
	resp, err := s.etcdClient.KV.Txn(ctx).
		If(etcd.Compare(etcd.CreateRevision(key), "=", createRevision)).
		Then(etcd.OpDelete(key)).
		Commit()
	if err != nil {
		return false, err
	}

	return resp.Succeeded, nil
}

func (s *EtcdStore) Watch(ctx context.Context, prefix string, afterRevision int64) (<-chan *WatchResponse, error) {
	watchCh := s.etcdClient.Watcher.Watch(ctx, prefix,
		etcd.WithPrefix(),
		etcd.WithRev(afterRevision+1))

	outputCh := make(chan *WatchResponse, 1)
	go func() {
		defer close(outputCh)

		for watchResp := range watchCh {
			if err := watchResp.Err(); err != nil {
				// compaction or cancellation, the caller must re-list to recover
				s.logger.Warn("etcd watch terminated",
					zap.String("prefix", prefix),
					zap.Error(err))
				return
			}

			resp := &WatchResponse{
				Revision: watchResp.Header.Revision,
			}
			for _, watchEvt := range watchResp.Events {
				switch watchEvt.Type {
				case mvccpb.PUT:
					resp.Events = append(resp.Events, &Event{
						Type:  EventPut,
						Entry: entryFromKv(watchEvt.Kv),
					})
				case mvccpb.DELETE:
					resp.Events = append(resp.Events, &Event{
						Type:  EventDelete,
						Entry: entryFromKv(watchEvt.Kv),
					})
				default:
					s.logger.Debug("ignoring unexpected etcd event type",
						zap.String("type", watchEvt.Type.String()))
				}
			}

			if len(resp.Events) == 0 {
				continue
			}

			select {
			case outputCh <- resp:
			case <-ctx.Done():
				return
			}
		}
	}()

	return outputCh, nil
}

func (s *EtcdStore) NewSession(ctx context.Context, ttl time.Duration) (Session, error) {
	// etcd refuses leases shorter than its minimum TTL, we round up to whole seconds
	ttlSecs := int64(ttl / time.Second)
	if ttlSecs < 1 {
		ttlSecs = 1
	}

	lease, err := s.etcdClient.Lease.Grant(ctx, ttlSecs)
	if err != nil {
		return nil, err
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	leaseKaCh, err := s.etcdClient.Lease.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return nil, err
	}

	sess := &etcdSession{
		store:    s,
		leaseID:  lease.ID,
		kaCancel: kaCancel,
		doneCh:   make(chan struct{}),
	}

	go func() {
		// wait for the lease keep-alive to close
		for range leaseKaCh {
		}

		s.logger.Debug("etcd session keep-alive ended",
			zap.Int64("leaseId", int64(lease.ID)))
		close(sess.doneCh)
	}()

	return sess, nil
}

// Close releases the client connection, which also cancels every
// outstanding watch created through this store.
func (s *EtcdStore) Close() error {
	return s.etcdClient.Close()
}

type etcdSession struct {
	store    *EtcdStore
	leaseID  etcd.LeaseID
	kaCancel context.CancelFunc
	doneCh   chan struct{}

	closeOnce sync.Once
}

func (s *etcdSession) Create(ctx context.Context, key string, value []byte) error {
	select {
	case <-s.doneCh:
		return ErrSessionClosed
	default:
	}

	return s.store.createWithOpts(ctx, key, value, etcd.WithLease(s.leaseID))
}

func (s *etcdSession) Done() <-chan struct{} {
	return s.doneCh
}

func (s *etcdSession) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.kaCancel()
		_, err = s.store.etcdClient.Lease.Revoke(ctx, s.leaseID)
	})
	return err
}
