package push

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
)

const (
	// MaxMulticastTokens is the provider's per-call token limit.
	MaxMulticastTokens = 500
	defaultSendTimeout = 10 * time.Second
	tokenSuffixLength  = 8
)

// ErrMissingProvider is returned when a Notifier is built without a provider.
var ErrMissingProvider = errors.New("push: provider is required")

// NotifierConfig wires a Notifier.
type NotifierConfig struct {
	Provider  Provider
	Registry  TokenRegistry
	Timeout   time.Duration
	ChunkSize int
	Logger    *zap.Logger
}

// Notifier sends to a token set and applies the failure policy: permanent
// failures remove the token from its owner, transient ones are logged and
// the token is kept for the next notification.
type Notifier struct {
	provider  Provider
	registry  TokenRegistry
	timeout   time.Duration
	chunkSize int
	logger    *zap.Logger
}

// Report summarizes one Send.
type Report struct {
	Delivered int
	Removed   []string
	Retained  []string
}

func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.Provider == nil {
		return nil, ErrMissingProvider
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 || chunkSize > MaxMulticastTokens {
		chunkSize = MaxMulticastTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		provider:  cfg.Provider,
		registry:  cfg.Registry,
		timeout:   timeout,
		chunkSize: chunkSize,
		logger:    logger,
	}, nil
}

// Send delivers data to every token in owners, a token to owning user id
// map. An empty map is a no-op. Each provider call gets its own timeout and
// a timed out call counts as a transient failure for all of its tokens.
func (n *Notifier) Send(ctx context.Context, owners map[string]string, data map[string]string) Report {
	var report Report
	if len(owners) == 0 {
		return report
	}
	tokens := make([]string, 0, len(owners))
	for token := range owners {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	for start := 0; start < len(tokens); start += n.chunkSize {
		end := start + n.chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		for _, result := range n.sendChunk(ctx, tokens[start:end], data) {
			n.apply(ctx, owners, result, &report)
		}
	}
	return report
}

func (n *Notifier) sendChunk(ctx context.Context, tokens []string, data map[string]string) []Result {
	callCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	results, err := n.provider.SendMulticast(callCtx, tokens, data)
	if err != nil {
		category := callCategory(callCtx, err)
		if category.Permanent() {
			category = CategoryUnknown
		}
		n.logger.Warn("push call failed",
			zap.String("category", string(category)),
			zap.Int("tokens", len(tokens)),
			zap.Error(err),
		)
		failed := make([]Result, 0, len(tokens))
		for _, token := range tokens {
			failed = append(failed, Result{Token: token, Category: category, Err: err})
		}
		return failed
	}

	byToken := make(map[string]Result, len(results))
	for _, result := range results {
		byToken[result.Token] = result
	}
	ordered := make([]Result, 0, len(tokens))
	for _, token := range tokens {
		result, ok := byToken[token]
		if !ok {
			result = Result{Token: token, Category: CategoryUnknown}
		}
		ordered = append(ordered, result)
	}
	return ordered
}

func (n *Notifier) apply(ctx context.Context, owners map[string]string, result Result, report *Report) {
	if result.Success {
		report.Delivered++
		return
	}
	userID := owners[result.Token]
	fields := []zap.Field{
		zap.String("token_suffix", tokenSuffix(result.Token)),
		zap.String("user_id", userID),
		zap.String("category", string(result.Category)),
	}
	if result.Err != nil {
		fields = append(fields, zap.Error(result.Err))
	}
	if !result.Category.Permanent() {
		n.logger.Warn("push delivery failed, token retained", fields...)
		report.Retained = append(report.Retained, result.Token)
		return
	}
	if n.registry == nil {
		n.logger.Warn("push token rejected, no registry to remove it from", fields...)
		return
	}
	if err := n.registry.RemoveDevice(context.WithoutCancel(ctx), userID, result.Token); err != nil {
		n.logger.Error("failed to remove rejected push token", append(fields, zap.NamedError("remove_error", err))...)
		return
	}
	n.logger.Info("removed rejected push token", fields...)
	report.Removed = append(report.Removed, result.Token)
}

func tokenSuffix(token string) string {
	if len(token) <= tokenSuffixLength {
		return token
	}
	return token[len(token)-tokenSuffixLength:]
}
