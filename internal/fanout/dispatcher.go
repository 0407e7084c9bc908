package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/propagation"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/push"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"go.uber.org/zap"
)

// Sender delivers a data payload to a token to owner map.
type Sender interface {
	Send(ctx context.Context, owners map[string]string, data map[string]string) push.Report
}

// TokenSource maps the device tokens of the profiles' users to their owners.
type TokenSource interface {
	TokensForProfiles(ctx context.Context, profileIDs []string) (map[string]string, error)
}

// Config wires a Dispatcher. Nil Resolvers selects DefaultResolvers; a nil
// Tokens reads every owner's devices straight from Store.
type Config struct {
	Store     store.Store
	Tokens    TokenSource
	Sender    Sender
	Resolvers map[Kind]Resolver
	Logger    *zap.Logger
}

type storeTokens struct {
	store store.Store
}

func (s storeTokens) TokensForProfiles(ctx context.Context, profileIDs []string) (map[string]string, error) {
	return TokensFor(ctx, s.store.Session(), profileIDs, nil)
}

// Dispatcher resolves a notification's recipients and hands their tokens to
// the Sender.
type Dispatcher struct {
	store     store.Store
	tokens    TokenSource
	sender    Sender
	resolvers map[Kind]Resolver
	logger    *zap.Logger
}

func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, errors.New("fanout: store is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("fanout: sender is required")
	}
	resolvers := cfg.Resolvers
	if resolvers == nil {
		resolvers = DefaultResolvers()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = storeTokens{store: cfg.Store}
	}
	return &Dispatcher{store: cfg.Store, tokens: tokens, sender: cfg.Sender, resolvers: resolvers, logger: logger}, nil
}

// Resolve returns the profiles affected by n.
func (d *Dispatcher) Resolve(ctx context.Context, n Notification) ([]string, error) {
	resolver, ok := d.resolvers[n.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoResolver, n.Kind)
	}
	return resolver(ctx, d.store.Session(), n.SubjectID)
}

// Dispatch resolves recipients and sends. Lookup failures are returned;
// delivery failures are handled by the Sender. A notification that resolves
// to no tokens does nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) error {
	profileIDs, err := d.Resolve(ctx, n)
	if err != nil {
		return err
	}
	tokens, err := d.tokens.TokensForProfiles(ctx, profileIDs)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		d.logger.Debug("notification has no recipients",
			zap.String("kind", string(n.Kind)),
			zap.String("subject_id", n.SubjectID),
		)
		return nil
	}
	report := d.sender.Send(ctx, tokens, n.Data())
	d.logger.Info("notification dispatched",
		zap.String("kind", string(n.Kind)),
		zap.String("subject_id", n.SubjectID),
		zap.Int("profiles", len(profileIDs)),
		zap.Int("delivered", report.Delivered),
		zap.Int("removed", len(report.Removed)),
		zap.Int("retained", len(report.Retained)),
	)
	return nil
}

// Handle is the propagation handler for notification messages.
func (d *Dispatcher) Handle(ctx context.Context, msg propagation.Message) error {
	var n Notification
	if err := msg.Decode(&n); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	return d.Dispatch(ctx, n)
}
