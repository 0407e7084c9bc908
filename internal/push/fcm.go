package push

import (
	"context"
	"errors"
	"net/http"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMConfig locates the Firebase project used for delivery. An empty
// CredentialsFile falls back to application default credentials.
type FCMConfig struct {
	CredentialsFile string
	ProjectID       string
}

// FCMProvider delivers through Firebase Cloud Messaging.
type FCMProvider struct {
	client *messaging.Client
}

// NewFCMProvider initializes the Firebase messaging client once.
func NewFCMProvider(ctx context.Context, cfg FCMConfig) (*FCMProvider, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	var appConfig *firebase.Config
	if cfg.ProjectID != "" {
		appConfig = &firebase.Config{ProjectID: cfg.ProjectID}
	}
	app, err := firebase.NewApp(ctx, appConfig, opts...)
	if err != nil {
		return nil, err
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, err
	}
	return &FCMProvider{client: client}, nil
}

func (p *FCMProvider) SendMulticast(ctx context.Context, tokens []string, data map[string]string) ([]Result, error) {
	response, err := p.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   data,
	})
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(tokens))
	for index, token := range tokens {
		results[index] = Result{Token: token, Category: CategoryUnknown}
		if index >= len(response.Responses) || response.Responses[index] == nil {
			continue
		}
		sendResponse := response.Responses[index]
		if sendResponse.Success {
			results[index] = Result{Token: token, Success: true}
			continue
		}
		results[index].Err = sendResponse.Error
		if category := Classify(sendResponse.Error); category != "" {
			results[index].Category = category
		}
	}
	return results, nil
}

// Classify maps a provider error onto a Category. It returns an empty
// Category for nil.
func Classify(err error) Category {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded), errorutils.IsDeadlineExceeded(err):
		return CategoryTimeout
	case messaging.IsUnregistered(err):
		return CategoryUnregistered
	case messaging.IsInvalidArgument(err):
		return CategoryInvalidArgument
	case messaging.IsSenderIDMismatch(err):
		return CategorySenderIDMismatch
	case messaging.IsQuotaExceeded(err):
		return CategoryQuotaExceeded
	case messaging.IsUnavailable(err):
		return CategoryUnavailable
	case messaging.IsInternal(err):
		return CategoryInternal
	case messaging.IsThirdPartyAuthError(err):
		return CategoryThirdPartyAuth
	}
	if response := errorutils.HTTPResponse(err); response != nil && response.StatusCode == http.StatusBadRequest {
		return CategoryBadRequest
	}
	return CategoryUnknown
}
