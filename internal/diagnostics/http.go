package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OIDCOptions configures the client credentials flow of the HTTP sink.
type OIDCOptions struct {
	IssuerEndpoint   string
	AudienceEndpoint string
	ClientID         string
	ClientSecret     string
	Scopes           []string
}

// HTTPSink POSTs messages as JSON to an endpoint.
type HTTPSink struct {
	endpoint string
	client   *retryablehttp.Client
}

// NewHTTPSink returns a sink posting to endpoint. When oidcOpts is nil the
// requests are sent without a token.
func NewHTTPSink(ctx context.Context, endpoint string, oidcOpts *OIDCOptions) (*HTTPSink, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "diagnostics endpoint: "+err.Error())
	}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	if oidcOpts != nil {
		var err error

		httpClient, err = oauthClient(ctx, httpClient, oidcOpts)
		if err != nil {
			return nil, err
		}
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = httpClient
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = slog.Default()

	return &HTTPSink{endpoint: endpoint, client: client}, nil
}

func oauthClient(ctx context.Context, base *http.Client, opts *OIDCOptions) (*http.Client, error) {
	// the token requests go through the instrumented client as well
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	provider, err := oidc.NewProvider(ctx, opts.IssuerEndpoint)
	if err != nil {
		return nil, errors.Wrap(model.ErrConfig, "oidc provider: "+err.Error())
	}

	oauthConfig := clientcredentials.Config{
		ClientID:       opts.ClientID,
		ClientSecret:   opts.ClientSecret,
		TokenURL:       provider.Endpoint().TokenURL,
		Scopes:         opts.Scopes,
		EndpointParams: url.Values{"audience": []string{opts.AudienceEndpoint}},
	}

	client := oauthConfig.Client(ctx)
	client.Timeout = base.Timeout

	return client, nil
}

func (s *HTTPSink) Name() string {
	return "http"
}

func (s *HTTPSink) Publish(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(model.ErrPublish, err.Error())
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(model.ErrPublish, err.Error())
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(model.ErrPublish, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return errors.Wrap(model.ErrPublish, fmt.Sprintf("%s returned %s", s.endpoint, resp.Status))
	}

	return nil
}

func (s *HTTPSink) Close() error {
	s.client.HTTPClient.CloseIdleConnections()
	return nil
}
