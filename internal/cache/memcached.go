package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DrAndri/webstore-scraper/config"
	"github.com/bradfitz/gomemcache/memcache"
)

// CrawlLock keeps two replicas from processing the same store at the same
// time. Acquire reports false when another holder has the lock.
type CrawlLock interface {
	Acquire(store string) (bool, error)
	Release(store string)
	Close()
}

// memcacheClient is the part of *memcache.Client the lock uses.
type memcacheClient interface {
	Add(item *memcache.Item) error
	Delete(key string) error
	Close() error
}

type MemcachedClient struct {
	client memcacheClient
	cfg    *config.CacheConfig
	owner  string
	log    *slog.Logger
}

func NewMemcachedClient(cacheConfig *config.CacheConfig, owner string, log *slog.Logger) *MemcachedClient {
	log.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	servers := strings.Split(cacheConfig.Servers, ",")
	err := ss.SetServers(servers...)
	if err != nil {
		log.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	client := memcache.NewFromSelector(ss)
	log.Info("pinging the memcached.")
	err = client.Ping()
	if err != nil {
		log.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("connected to memcached!")

	return newMemcachedClient(client, cacheConfig, owner, log)
}

func newMemcachedClient(client memcacheClient, cfg *config.CacheConfig, owner string,
	log *slog.Logger) *MemcachedClient {
	return &MemcachedClient{client: client, cfg: cfg, owner: owner, log: log}
}

func (mc *MemcachedClient) Acquire(store string) (bool, error) {
	key := lockKey(store)
	err := mc.client.Add(&memcache.Item{
		Key:        key,
		Value:      []byte(fmt.Sprintf("%s@%d", mc.owner, time.Now().UnixMilli())),
		Expiration: int32(mc.cfg.CrawlLockTtl.Seconds()),
	})
	if errors.Is(err, memcache.ErrNotStored) {
		mc.log.Debug("crawl lock is held elsewhere.", slog.String("key", key))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	mc.log.Debug("crawl lock acquired.", slog.String("key", key))
	return true, nil
}

func (mc *MemcachedClient) Release(store string) {
	key := lockKey(store)
	err := mc.client.Delete(key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		mc.log.Warn("failed to release crawl lock.", slog.String("key", key), slog.String("err", err.Error()))
	}
}

func (mc *MemcachedClient) Close() {
	mc.log.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		mc.log.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

// memcached keys may not contain whitespace or control characters.
func lockKey(store string) string {
	return "crawl-lock-" + strings.Join(strings.Fields(strings.ToLower(store)), "_")
}

// LocalLock is used when no memcached servers are configured. It only guards
// against overlapping runs inside this process.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLock() *LocalLock {
	return &LocalLock{held: map[string]struct{}{}}
}

func (l *LocalLock) Acquire(store string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[store]; ok {
		return false, nil
	}
	l.held[store] = struct{}{}
	return true, nil
}

func (l *LocalLock) Release(store string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, store)
}

func (l *LocalLock) Close() {}
