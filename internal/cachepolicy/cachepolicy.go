// Package cachepolicy computes HTTP caching headers for a response and
// short-circuits conditional GETs against a previously issued ETag
// (spec.md §4.8).
package cachepolicy

import (
	"fmt"
	"hash/adler32"
	"strconv"
	"strings"
	"time"

	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
)

// Tier names the three cache-control configurations a recommender can
// set, selected by whether the caller supplied a real user id, a
// synthetic one, or none at all.
type Tier string

const (
	TierNoUser    Tier = "noUserSpecified"
	TierSynthetic Tier = "syntheticUserSpecified"
	TierUser      Tier = "userSpecified"
)

// SelectTier picks which of the three configured tiers applies.
func SelectTier(hasUserID, synthetic bool) Tier {
	switch {
	case hasUserID && !synthetic:
		return TierUser
	case synthetic:
		return TierSynthetic
	default:
		return TierNoUser
	}
}

func asNode(v any) (configmodel.Node, bool) {
	if n, ok := v.(configmodel.Node); ok {
		return n, true
	}
	if m, ok := v.(map[string]any); ok {
		return configmodel.Node(m), true
	}
	return nil, false
}

func tierConfig(cacheControl configmodel.Node, tier Tier) (configmodel.Node, bool) {
	if cacheControl == nil {
		return nil, false
	}
	raw, ok := cacheControl[string(tier)]
	if !ok {
		return nil, false
	}
	return asNode(raw)
}

func intField(node configmodel.Node, field string) (int, bool) {
	v, ok := node[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// Headers is the set of caching-related response headers a request
// should carry.
type Headers struct {
	ETag         string
	CacheControl string
}

// Compute builds the response caching headers for a request, per
// spec.md §4.8. If the selected tier has no maxAge configured (or no tier
// is configured at all), only a directives-only Cache-Control is set (if
// the recommender names one) and no ETag is generated.
func Compute(cacheControl configmodel.Node, path, rawQuery string, hasUserID, synthetic bool, now time.Time) Headers {
	tier := SelectTier(hasUserID, synthetic)
	tierCfg, ok := tierConfig(cacheControl, tier)
	if !ok {
		return directivesOnly(cacheControl)
	}

	maxAge, ok := intField(tierCfg, "maxAge")
	if !ok {
		return directivesOnly(cacheControl)
	}

	return Headers{
		ETag:         GenerateETag(path, rawQuery, maxAge, now),
		CacheControl: fmt.Sprintf("max-age=%d", maxAge),
	}
}

func directivesOnly(cacheControl configmodel.Node) Headers {
	if cacheControl == nil {
		return Headers{}
	}
	if directives, ok := cacheControl["directives"].(string); ok && directives != "" {
		return Headers{CacheControl: directives}
	}
	return Headers{}
}

// GenerateETag produces an ETag combining a rolling checksum of the
// request's path and query string with the instant it was generated and
// the max-age it was generated for, so IsResourceNotModified can later
// recompute an expiry without needing any server-side state.
func GenerateETag(path, rawQuery string, maxAge int, now time.Time) string {
	checksum := adler32.Checksum([]byte(path + "?" + rawQuery))
	return fmt.Sprintf("%d-%d-%d", checksum, now.UnixMilli(), maxAge)
}

// IsResourceNotModified parses an ETag produced by GenerateETag and
// reports whether it's still within its max-age window as of now.
// Malformed ETags are treated as expired (conservatively re-serving the
// resource rather than risking an incorrect 304).
func IsResourceNotModified(etag string, now time.Time) bool {
	parts := strings.Split(etag, "-")
	if len(parts) < 3 {
		return false
	}
	generatedAtMs, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return false
	}
	maxAgeSeconds, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return false
	}
	expiresAtMs := generatedAtMs + maxAgeSeconds*1000
	return now.UnixMilli() < expiresAtMs
}
