package watcher

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/indexer/pkg/metrics"
	"github.com/giftlane/relay/ledger/pkg/evm"
	"github.com/giftlane/relay/utils/pkg/retry"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Reverts are final; only transport failures are retried.
var metadataRetry = retry.Config{
	MaxAttempts: 3,
	BaseBackoff: 200 * time.Millisecond,
	MaxBackoff:  2 * time.Second,
}

// metadataResolver looks up token display data. Only complete lookups are
// cached so a flaky RPC does not pin NULLs for a token.
type metadataResolver struct {
	log    *slog.Logger
	caller evm.Caller
	native domain.AssetMetadata
	cache  *lru.Cache[string, domain.AssetMetadata]
}

func newMetadataResolver(log *slog.Logger, caller evm.Caller, native NativeAsset, size int) (*metadataResolver, error) {
	cache, err := lru.New[string, domain.AssetMetadata](size)
	if err != nil {
		return nil, err
	}
	symbol, name, decimals := native.Symbol, native.Name, native.Decimals
	return &metadataResolver{
		log:    log,
		caller: caller,
		native: domain.AssetMetadata{Symbol: &symbol, Name: &name, Decimals: &decimals},
		cache:  cache,
	}, nil
}

func (r *metadataResolver) Resolve(ctx context.Context, asset domain.Asset) domain.AssetMetadata {
	if asset.Kind() == domain.AssetKindNative {
		return r.native
	}
	key := asset.Kind().String() + ":" + asset.Ref()
	if md, ok := r.cache.Get(key); ok {
		metrics.MetadataCacheTotal.WithLabelValues("hit").Inc()
		return md
	}
	metrics.MetadataCacheTotal.WithLabelValues("miss").Inc()

	var (
		md       domain.AssetMetadata
		complete = true
	)
	if s, err := lookup(ctx, r.caller, asset.Ref(), evm.TokenSymbol); err == nil {
		s = sanitizeText(s)
		md.Symbol = &s
	} else {
		complete = false
		r.log.Debug("watcher: token symbol unavailable", "token", asset.Ref(), "error", err)
	}
	if n, err := lookup(ctx, r.caller, asset.Ref(), evm.TokenName); err == nil {
		n = sanitizeText(n)
		md.Name = &n
	} else {
		complete = false
		r.log.Debug("watcher: token name unavailable", "token", asset.Ref(), "error", err)
	}

	switch asset.Kind() {
	case domain.AssetKindNonFungible:
		zero := int32(0)
		md.Decimals = &zero
	default:
		if d, err := lookup(ctx, r.caller, asset.Ref(), evm.TokenDecimals); err == nil {
			md.Decimals = &d
		} else {
			complete = false
			r.log.Debug("watcher: token decimals unavailable", "token", asset.Ref(), "error", err)
		}
	}

	if complete {
		r.cache.Add(key, md)
	}
	return md
}

func lookup[T any](ctx context.Context, caller evm.Caller, token string, fn func(context.Context, evm.Caller, string) (T, error)) (T, error) {
	return retry.DoValue(ctx, metadataRetry, func() (T, error) {
		return fn(ctx, caller, token)
	})
}

// sanitizeText makes ledger-supplied strings storable in a TEXT column.
func sanitizeText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	return strings.ReplaceAll(s, "\x00", "")
}
