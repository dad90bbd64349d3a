package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/observe"
	"github.com/jonwraymond/objectcache/ontology"
	"github.com/jonwraymond/objectcache/query"
	"github.com/jonwraymond/objectcache/remote"
)

// DefaultInvalidationConcurrency bounds parallel object refreshes after an
// action.
const DefaultInvalidationConcurrency = 8

// Options configures one Apply call.
type Options struct {
	// OptimisticUpdate, if set, records tentative writes that are visible
	// until Apply returns.
	OptimisticUpdate func(*OptimisticContext)
}

// Applier applies actions against a remote client and reconciles the
// engine's cache with the reported edits.
//
// Contract:
// - Concurrency: safe for concurrent use; concurrent applications stack
// independent optimistic layers.
// - Errors: a rejected action returns *remote.ValidationError; a failed
// refresh after a successful action returns the result together with an
// error wrapping ErrInvalidation.
type Applier struct {
	engine *query.Engine
	client remote.Client
	logger observe.Logger
	limit  int
}

// NewApplier creates an applier. A nil logger discards logs.
func NewApplier(engine *query.Engine, client remote.Client, logger observe.Logger) *Applier {
	if logger == nil {
		logger = observe.NopLogger()
	}
	return &Applier{
		engine: engine,
		client: client,
		logger: logger,
		limit:  DefaultInvalidationConcurrency,
	}
}

// Apply runs def with args. args is a map[string]any for a single
// application or a []map[string]any for a batch.
func (a *Applier) Apply(ctx context.Context, def ontology.ActionDefinition, args any, opts Options) (*remote.ActionResult, error) {
	if def.ApiName == "" {
		return nil, fmt.Errorf("%w: missing api name", ErrInvalidAction)
	}
	single, batch, isBatch, err := splitArgs(args)
	if err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	meta := observe.QueryMeta{Kind: "action", Type: def.ApiName, Key: id}
	logger := a.logger.WithQuery(meta)
	start := time.Now()

	if opts.OptimisticUpdate != nil {
		layer, held, err := a.optimistic(opts.OptimisticUpdate)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := a.engine.Store().RemoveLayer(layer); err != nil {
				logger.Warn(ctx, "removing optimistic layer", observe.Err(err))
			}
			release(a.engine.Store(), held)
		}()
	}

	var result *remote.ActionResult
	if isBatch {
		result, err = a.client.BatchApplyAction(ctx, remote.BatchApplyActionRequest{
			Action:      def.ApiName,
			Requests:    batch,
			ReturnEdits: true,
		})
	} else {
		result, err = a.client.ApplyAction(ctx, remote.ApplyActionRequest{
			Action:      def.ApiName,
			Parameters:  single,
			ReturnEdits: true,
		})
	}
	if err != nil {
		logger.Warn(ctx, "action failed", observe.Err(err))
		return nil, err
	}

	if err := a.reconcile(ctx, result); err != nil {
		logger.Warn(ctx, "refreshing cache after action", observe.Err(err))
		return result, fmt.Errorf("%w: %w", ErrInvalidation, err)
	}
	logger.Debug(ctx, "action applied", observe.F("duration_ms", time.Since(start).Milliseconds()))
	return result, nil
}

func splitArgs(args any) (map[string]any, []map[string]any, bool, error) {
	switch v := args.(type) {
	case nil:
		return map[string]any{}, nil, false, nil
	case map[string]any:
		return v, nil, false, nil
	case []map[string]any:
		return nil, v, true, nil
	default:
		return nil, nil, false, fmt.Errorf("%w: want map[string]any or []map[string]any, got %T", ErrInvalidArgs, args)
	}
}

func (a *Applier) optimistic(update func(*OptimisticContext)) (cache.LayerID, []*cache.CacheKey, error) {
	oc := &OptimisticContext{engine: a.engine}
	update(oc)

	store := a.engine.Store()
	layer := store.PushOptimisticLayer()
	held, err := oc.apply(layer)
	if err != nil {
		_ = store.RemoveLayer(layer)
		return "", nil, err
	}
	return layer, held, nil
}

// reconcile brings the cache up to date with result. Every edited object
// is refreshed even when another refresh fails.
func (a *Applier) reconcile(ctx context.Context, result *remote.ActionResult) error {
	if result == nil {
		return nil
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(a.limit)
	run := func(fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	if result.Kind == remote.EditsObjectTypes {
		for _, apiName := range result.EditedObjectTypes {
			run(func() error { return a.engine.InvalidateObjectType(ctx, apiName) })
		}
		_ = g.Wait()
		return errors.Join(errs...)
	}

	if err := a.engine.RemoveObjects("", result.DeletedObjects); err != nil {
		errs = append(errs, err)
	}
	touched := result.Touched()
	for _, ref := range touched[:len(touched)-len(result.DeletedObjects)] {
		run(func() error { return a.refresh(ctx, ref) })
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// refresh refetches the cached variants of ref. An object with no cached
// variant is loaded anyway so that lists it now matches pick it up.
func (a *Applier) refresh(ctx context.Context, ref ontology.ObjectRef) error {
	if len(a.engine.ObjectKeys().Variants(ref)) == 0 {
		return a.engine.IngestObject(ctx, ref)
	}
	return a.engine.InvalidateObject(ctx, ref)
}
