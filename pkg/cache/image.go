package cache

import (
	"context"

	"github.com/cuemby/codalab-worker/pkg/state"
	"github.com/cuemby/codalab-worker/pkg/types"
)

// ImagePuller resolves an image reference to a content digest, pulling it
// into the local container runtime's image store if not already present.
type ImagePuller interface {
	PullImage(ctx context.Context, ref string, report Reporter, shouldContinue ShouldContinue) (digest string, sizeBytes int64, err error)
}

// ImageCache applies the same downloading/ready/failed discipline as
// DependencyCache to container-image digests. Entries are keyed by the
// image reference the run requested; once ready, Entry.Status holds the
// resolved digest. Images live in the container runtime's content store and
// nothing is written under WorkDir, although a ready entry's LocalPath is
// set to WorkDir/<ref> as for every cache entry.
type ImageCache struct {
	*Cache[string]
}

// NewImageCache constructs an ImageCache backed by puller.
func NewImageCache(workDir string, quotaBytes int64, puller ImagePuller, stateCommitter *state.Committer[map[string]types.CacheEntry]) (*ImageCache, error) {
	c, err := New(Options[string]{
		Name:       "image",
		WorkDir:    workDir,
		QuotaBytes: quotaBytes,
		Committer:  stateCommitter,
		KeyString:  func(ref string) string { return ref },
		KeyParse:   func(ref string) (string, error) { return ref, nil },
		Fetch: func(ctx context.Context, ref string, destDir string, report Reporter, shouldContinue ShouldContinue) (int64, error) {
			digest, size, err := puller.PullImage(ctx, ref, report, shouldContinue)
			if err != nil {
				return 0, err
			}
			report(digest, size)
			return size, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &ImageCache{Cache: c}, nil
}

// Digest returns the resolved digest for ref once its entry is ready.
func (c *ImageCache) Digest(ref string) (string, bool) {
	entry, ok := c.Lookup(ref)
	if !ok || entry.Stage != types.CacheReady {
		return "", false
	}
	return entry.Status, true
}
