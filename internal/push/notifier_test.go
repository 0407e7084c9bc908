package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type scriptedProvider struct {
	mu       sync.Mutex
	calls    [][]string
	failures map[string]Category
	callErr  error
	block    bool
}

func (p *scriptedProvider) SendMulticast(ctx context.Context, tokens []string, _ map[string]string) ([]Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, append([]string(nil), tokens...))
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.callErr != nil {
		return nil, p.callErr
	}
	results := make([]Result, 0, len(tokens))
	for _, token := range tokens {
		if category, ok := p.failures[token]; ok {
			results = append(results, Result{Token: token, Category: category, Err: errors.New(string(category))})
			continue
		}
		results = append(results, Result{Token: token, Success: true})
	}
	return results, nil
}

type removal struct {
	userID string
	token  string
}

type recordingRegistry struct {
	mu       sync.Mutex
	removals []removal
}

func (r *recordingRegistry) RemoveDevice(_ context.Context, userID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removals = append(r.removals, removal{userID: userID, token: token})
	return nil
}

func newTestNotifier(t *testing.T, provider Provider, registry TokenRegistry, timeout time.Duration) (*Notifier, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	notifier, err := NewNotifier(NotifierConfig{
		Provider: provider,
		Registry: registry,
		Timeout:  timeout,
		Logger:   zap.New(core),
	})
	require.NoError(t, err)
	return notifier, logs
}

func TestSendRemovesOnlyPermanentlyRejectedTokens(t *testing.T) {
	provider := &scriptedProvider{failures: map[string]Category{
		"token-2": CategoryUnregistered,
		"token-3": CategoryUnavailable,
	}}
	registry := &recordingRegistry{}
	notifier, logs := newTestNotifier(t, provider, registry, time.Second)

	report := notifier.Send(context.Background(), map[string]string{
		"token-1": "user-a",
		"token-2": "user-b",
		"token-3": "user-a",
	}, map[string]string{"type": "ConfirmEvent"})

	require.Len(t, provider.calls, 1)
	require.Equal(t, 1, report.Delivered)
	require.Equal(t, []string{"token-2"}, report.Removed)
	require.Equal(t, []string{"token-3"}, report.Retained)
	require.Equal(t, []removal{{userID: "user-b", token: "token-2"}}, registry.removals)
	require.Equal(t, 1, logs.FilterMessage("push delivery failed, token retained").Len())
}

func TestSendWithoutTokensIsNoop(t *testing.T) {
	provider := &scriptedProvider{}
	notifier, _ := newTestNotifier(t, provider, &recordingRegistry{}, time.Second)

	report := notifier.Send(context.Background(), nil, map[string]string{"type": "ShareEvent"})

	require.Empty(t, provider.calls)
	require.Equal(t, Report{}, report)
}

func TestSendTreatsTimeoutAsTransient(t *testing.T) {
	provider := &scriptedProvider{block: true}
	registry := &recordingRegistry{}
	notifier, logs := newTestNotifier(t, provider, registry, 20*time.Millisecond)

	report := notifier.Send(context.Background(), map[string]string{"token-1": "user-a", "token-2": "user-b"}, nil)

	require.Empty(t, registry.removals)
	require.ElementsMatch(t, []string{"token-1", "token-2"}, report.Retained)
	warnings := logs.FilterMessage("push call failed").All()
	require.Len(t, warnings, 1)
	require.Equal(t, string(CategoryTimeout), warnings[0].ContextMap()["category"])
}

func TestSendNeverRemovesTokensOnWholeCallFailure(t *testing.T) {
	provider := &scriptedProvider{callErr: errors.New("invalid message")}
	registry := &recordingRegistry{}
	notifier, _ := newTestNotifier(t, provider, registry, time.Second)

	report := notifier.Send(context.Background(), map[string]string{"token-1": "user-a"}, nil)

	require.Empty(t, registry.removals)
	require.Equal(t, []string{"token-1"}, report.Retained)
}

func TestSendChunksLargeTokenSets(t *testing.T) {
	provider := &scriptedProvider{}
	notifier, _ := newTestNotifier(t, provider, &recordingRegistry{}, time.Second)

	owners := make(map[string]string, 1201)
	for i := 0; i < 1201; i++ {
		owners[fmt.Sprintf("token-%04d", i)] = "user"
	}
	report := notifier.Send(context.Background(), owners, nil)

	require.Len(t, provider.calls, 3)
	require.Len(t, provider.calls[0], MaxMulticastTokens)
	require.Len(t, provider.calls[1], MaxMulticastTokens)
	require.Len(t, provider.calls[2], 201)
	require.Equal(t, 1201, report.Delivered)
}

func TestCategoryPermanence(t *testing.T) {
	permanent := []Category{CategoryUnregistered, CategoryInvalidArgument, CategorySenderIDMismatch, CategoryBadRequest}
	transient := []Category{CategoryQuotaExceeded, CategoryUnavailable, CategoryInternal, CategoryThirdPartyAuth, CategoryTimeout, CategoryUnknown}
	for _, category := range permanent {
		require.True(t, category.Permanent(), category)
	}
	for _, category := range transient {
		require.False(t, category.Permanent(), category)
	}
}

func TestClassifyPlainErrors(t *testing.T) {
	require.Equal(t, Category(""), Classify(nil))
	require.Equal(t, CategoryTimeout, Classify(fmt.Errorf("send: %w", context.DeadlineExceeded)))
	require.Equal(t, CategoryUnknown, Classify(errors.New("connection reset")))
}

func TestLogProviderSucceedsForEveryToken(t *testing.T) {
	results, err := NewLogProvider(nil).SendMulticast(context.Background(), []string{"a", "b"}, map[string]string{"type": "x"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, result := range results {
		require.True(t, result.Success)
	}
}

func TestNewNotifierRequiresProvider(t *testing.T) {
	_, err := NewNotifier(NotifierConfig{})
	require.ErrorIs(t, err, ErrMissingProvider)
}
