// Package lock implements the optional advisory lock used by C7 (spec.md
// §4.7), grounded on the SET-with-NX/EX idiom in
// infra/faqstore/valkey_store.go's setString helper.
package lock

import (
	"context"
	"time"

	"github.com/valkey-io/valkey-go"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
)

// ValkeyLock is a best-effort, TTL-bounded mutual exclusion hint. It is
// advisory: the coordinator's correctness comes from the CAS retry loop,
// not from this lock, per spec.md's open question on §4.7.
type ValkeyLock struct {
	client valkey.Client
	prefix string
}

// NewValkeyLock constructs the lock helper.
func NewValkeyLock(client valkey.Client, prefix string) *ValkeyLock {
	if prefix == "" {
		prefix = "kbrag:lock"
	}
	return &ValkeyLock{client: client, prefix: prefix}
}

// TryAcquire attempts SET key value NX EX ttl; a false return means another
// holder currently has it.
func (l *ValkeyLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	cmd := l.client.B().Set().Key(l.fullKey(key)).Value("1").Nx().Ex(ttl).Build()
	resp := l.client.Do(ctx, cmd)
	_, err := resp.ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Release drops the lock early.
func (l *ValkeyLock) Release(ctx context.Context, key string) error {
	return l.client.Do(ctx, l.client.B().Del().Key(l.fullKey(key)).Build()).Error()
}

func (l *ValkeyLock) fullKey(key string) string {
	return l.prefix + ":" + key
}

var _ rag.AdvisoryLock = (*ValkeyLock)(nil)
