package resolve

import (
	"fmt"
	"time"

	syncErrors "github.com/virtuenet/coachsync/errors"
	"github.com/virtuenet/coachsync/operation"
	"github.com/virtuenet/coachsync/value"
)

// Resolver applies a configured strategy to a conflicted operation.
// Construct with NewResolver; the zero value resolves everything with
// StrategyServerWins and no server-owned fields.
type Resolver struct {
	strategies      map[string]Strategy
	defaultStrategy Strategy
	serverOwned     map[string]struct{}
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithEntityStrategy sets the strategy for one entity type.
func WithEntityStrategy(entityType string, s Strategy) ResolverOption {
	return func(r *Resolver) { r.strategies[entityType] = s }
}

// WithDefaultStrategy sets the strategy used for entity types without an
// explicit configuration.
func WithDefaultStrategy(s Strategy) ResolverOption {
	return func(r *Resolver) { r.defaultStrategy = s }
}

// WithServerOwnedFields names fields that are always taken from the server
// record under merge, regardless of local edits (version counters,
// server-assigned identifiers).
func WithServerOwnedFields(fields ...string) ResolverOption {
	return func(r *Resolver) {
		for _, f := range fields {
			r.serverOwned[f] = struct{}{}
		}
	}
}

// NewResolver builds a Resolver. Strategies are validated at construction;
// an unknown strategy is a configuration error.
func NewResolver(opts ...ResolverOption) (*Resolver, error) {
	r := &Resolver{
		strategies:      make(map[string]Strategy),
		defaultStrategy: StrategyServerWins,
		serverOwned:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := ParseStrategy(string(r.defaultStrategy)); err != nil {
		return nil, err
	}
	for entityType, s := range r.strategies {
		if _, err := ParseStrategy(string(s)); err != nil {
			return nil, syncErrors.NewValidationError(syncErrors.OpResolve,
				fmt.Errorf("entity type %q: %w", entityType, err))
		}
	}
	return r, nil
}

// StrategyFor returns the configured strategy for an entity type.
func (r *Resolver) StrategyFor(entityType string) Strategy {
	if r.strategies != nil {
		if s, ok := r.strategies[entityType]; ok {
			return s
		}
	}
	if r.defaultStrategy == "" {
		return StrategyServerWins
	}
	return r.defaultStrategy
}

// Resolve produces resolved data for a conflicted operation using the given
// strategy. serverTimestamp is the server's reported update time for the
// conflicting record. A manual strategy returns Resolved=false; the caller
// must go through the merge preview workflow instead.
func (r *Resolver) Resolve(op *operation.SyncOperation, serverData *value.Map, serverTimestamp time.Time, strategy Strategy) (ConflictResult, error) {
	switch strategy {
	case StrategyServerWins:
		return ConflictResult{Resolved: true, ResolvedData: serverData.Clone()}, nil

	case StrategyLastWriteWins:
		// The whole record from whichever side wrote last. Ties favor the
		// server, whose clock is authoritative.
		if op.Timestamp.After(serverTimestamp) {
			return ConflictResult{Resolved: true, ResolvedData: op.Data.Clone()}, nil
		}
		return ConflictResult{Resolved: true, ResolvedData: serverData.Clone()}, nil

	case StrategyMerge:
		return ConflictResult{Resolved: true, ResolvedData: r.mergeTwoWay(op.Data, serverData)}, nil

	case StrategyManual:
		return ConflictResult{Resolved: false}, nil

	default:
		return ConflictResult{}, syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("unknown conflict resolution strategy %q", strategy))
	}
}

// mergeTwoWay performs a shallow union of local and server data. A key on
// only one side keeps that side's value; overlapping keys keep the local
// value, since the client's pending edit is intentional and must not be
// silently discarded. Server-owned fields always come from serverData.
func (r *Resolver) mergeTwoWay(local, server *value.Map) *value.Map {
	out := value.NewMap()
	for _, k := range value.UnionKeys(local, server) {
		if _, owned := r.serverOwned[k]; owned {
			if sv, ok := server.Get(k); ok {
				out.Set(k, sv.Clone())
				continue
			}
		}
		if lv, ok := local.Get(k); ok {
			out.Set(k, lv.Clone())
			continue
		}
		if sv, ok := server.Get(k); ok {
			out.Set(k, sv.Clone())
		}
	}
	return out
}
