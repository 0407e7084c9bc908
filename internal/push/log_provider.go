package push

import (
	"context"

	"go.uber.org/zap"
)

// LogProvider records deliveries in the log instead of sending them. Every
// token succeeds.
type LogProvider struct {
	logger *zap.Logger
}

func NewLogProvider(logger *zap.Logger) *LogProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogProvider{logger: logger}
}

func (p *LogProvider) SendMulticast(_ context.Context, tokens []string, data map[string]string) ([]Result, error) {
	p.logger.Info("push notification",
		zap.Int("tokens", len(tokens)),
		zap.Any("data", data),
	)
	results := make([]Result, 0, len(tokens))
	for _, token := range tokens {
		results = append(results, Result{Token: token, Success: true})
	}
	return results, nil
}
