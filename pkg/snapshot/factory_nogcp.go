//go:build !gcp

package snapshot

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(_ context.Context) (ArtifactStore, error) {
	return nil, fmt.Errorf("snapshot: GCS storage is not enabled in this build (use -tags gcp)")
}
