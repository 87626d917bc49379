package cache

import (
	"context"
	"strings"

	"github.com/cuemby/codalab-worker/pkg/state"
	"github.com/cuemby/codalab-worker/pkg/types"
)

// ParseDependencyKey inverts types.DependencyKey.String, recovering the
// (parent_uuid, parent_path) pair from a persisted identifier.
func ParseDependencyKey(s string) (types.DependencyKey, error) {
	if i := strings.Index(s, ":"); i >= 0 {
		return types.DependencyKey{ParentUUID: s[:i], ParentPath: s[i+1:]}, nil
	}
	return types.DependencyKey{ParentUUID: s}, nil
}

// PayloadFetcher downloads or extracts the payload for a dependency key
// into destDir. pkg/client has no dependency-download call (its
// bundle_contents call uploads a run's results), so an implementation
// brings its own transport.
type PayloadFetcher interface {
	FetchDependency(ctx context.Context, key types.DependencyKey, destDir string, report Reporter, shouldContinue ShouldContinue) (sizeBytes int64, err error)
}

// DependencyCache is the content-addressable cache of input-bundle
// payloads keyed by (parent_uuid, parent_path).
type DependencyCache struct {
	*Cache[types.DependencyKey]
}

// NewDependencyCache constructs a DependencyCache backed by fetcher, with
// its entry table persisted at stateCommitter (pass nil to run purely
// in-memory, e.g. in tests).
func NewDependencyCache(workDir string, quotaBytes int64, fetcher PayloadFetcher, stateCommitter *state.Committer[map[string]types.CacheEntry]) (*DependencyCache, error) {
	c, err := New(Options[types.DependencyKey]{
		Name:       "dependency",
		WorkDir:    workDir,
		QuotaBytes: quotaBytes,
		Committer:  stateCommitter,
		KeyString:  func(k types.DependencyKey) string { return k.String() },
		KeyParse:   ParseDependencyKey,
		Fetch: func(ctx context.Context, key types.DependencyKey, destDir string, report Reporter, shouldContinue ShouldContinue) (int64, error) {
			return fetcher.FetchDependency(ctx, key, destDir, report, shouldContinue)
		},
	})
	if err != nil {
		return nil, err
	}
	return &DependencyCache{Cache: c}, nil
}
