package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/bleepstore/bleepstore/internal/uid"
)

// Cosmos is an external ConditionalLock backed by an Azure Cosmos DB
// container. Mutual exclusion comes from CreateItem's native
// already-exists conflict (HTTP 409); the container's own TTL setting
// reclaims abandoned locks so a crashed holder's lock doesn't wedge the
// key forever.
type Cosmos struct {
	container  *azcosmos.ContainerClient
	partition  string
	ttlSeconds int32
}

// NewCosmos creates a Cosmos-backed lock against the given container. The
// container must have TTL enabled (its "DefaultTimeToLive" may be -1 to
// require a per-item "ttl" field, which is what this type sets).
func NewCosmos(container *azcosmos.ContainerClient, partition string, ttl time.Duration) *Cosmos {
	return &Cosmos{container: container, partition: partition, ttlSeconds: int32(ttl.Seconds())}
}

type cosmosLockDoc struct {
	ID         string `json:"id"`
	FenceToken string `json:"fence_token"`
	TTL        int32  `json:"ttl"`
}

// TryLock attempts a CreateItem; a 409 Conflict means another holder
// already owns the lock (and hasn't expired yet per the container's TTL).
func (l *Cosmos) TryLock(ctx context.Context, key string) (Guard, error) {
	pk := azcosmos.NewPartitionKeyString(l.partition)
	token := uid.New()

	body, err := json.Marshal(cosmosLockDoc{ID: sanitizeDocID(key), FenceToken: token, TTL: l.ttlSeconds})
	if err != nil {
		return nil, err
	}

	_, err = l.container.CreateItem(ctx, pk, body, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict {
			return nil, nil
		}
		return nil, err
	}

	docID := sanitizeDocID(key)
	return newFuncGuard(func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		resp, err := l.container.ReadItem(releaseCtx, pk, docID, nil)
		if err != nil {
			return
		}
		var existing cosmosLockDoc
		if json.NewDecoder(bytes.NewReader(resp.Value)).Decode(&existing) != nil || existing.FenceToken != token {
			return
		}
		opts := &azcosmos.ItemOptions{IfMatchEtag: &resp.ETag}
		l.container.DeleteItem(releaseCtx, pk, docID, opts)
	}), nil
}
