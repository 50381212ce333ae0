package lock

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bleepstore/bleepstore/internal/uid"
)

// Firestore is an external ConditionalLock backed by a Firestore
// collection, using a transaction to make the read-expired/write-new
// sequence atomic (Firestore has no native conditional-put primitive).
type Firestore struct {
	client     *firestore.Client
	collection string
	ttl        time.Duration
}

// NewFirestore creates a Firestore-backed lock against the given collection.
func NewFirestore(client *firestore.Client, collection string, ttl time.Duration) *Firestore {
	return &Firestore{client: client, collection: collection, ttl: ttl}
}

type firestoreLockDoc struct {
	FenceToken string    `firestore:"fence_token"`
	ExpiresAt  time.Time `firestore:"expires_at"`
}

// TryLock runs a transaction that fails (without retry) if a live lock
// document already exists, and otherwise writes a fresh one.
func (l *Firestore) TryLock(ctx context.Context, key string) (Guard, error) {
	token := uid.New()
	doc := l.client.Collection(l.collection).Doc(sanitizeDocID(key))

	acquired := false
	err := l.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var existing firestoreLockDoc
			if decodeErr := snap.DataTo(&existing); decodeErr == nil && time.Now().Before(existing.ExpiresAt) {
				return nil // held, leave acquired=false
			}
		}
		acquired = true
		return tx.Set(doc, firestoreLockDoc{
			FenceToken: token,
			ExpiresAt:  time.Now().Add(l.ttl),
		})
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, nil
	}

	return newFuncGuard(func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.client.RunTransaction(releaseCtx, func(ctx context.Context, tx *firestore.Transaction) error {
			snap, err := tx.Get(doc)
			if err != nil {
				return nil
			}
			var existing firestoreLockDoc
			if err := snap.DataTo(&existing); err != nil || existing.FenceToken != token {
				return nil
			}
			return tx.Delete(doc)
		})
	}), nil
}

func sanitizeDocID(key string) string {
	// Firestore document IDs cannot contain "/"; the lock key is typically
	// an object key, which commonly does.
	out := make([]rune, 0, len(key))
	for _, r := range key {
		if r == '/' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}
