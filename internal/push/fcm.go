package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	fcmScope            = "https://www.googleapis.com/auth/firebase.messaging"
	defaultFCMEndpoint  = "https://fcm.googleapis.com"
	defaultRatePerSec   = 50
	maxErrorBodyBytes   = 4 << 10
	contentTypeJSONUTF8 = "application/json; charset=utf-8"
)

var (
	ErrInvalidFCMConfig = errors.New("push: invalid fcm config")
	errMissingProjectID = errors.New("project id missing from config and service account")
	errMissingAccount   = errors.New("service account json or token source required")
)

// FCMConfig configures the Firebase Cloud Messaging HTTP v1 sender.
type FCMConfig struct {
	ServiceAccountJSON []byte
	ProjectID          string
	// TokenSource overrides service-account credentials when set.
	TokenSource   oauth2.TokenSource
	Endpoint      string
	RatePerSecond int
	Logger        *zap.Logger
}

// FCMSender posts messages to the FCM v1 API using OAuth2 service credentials.
type FCMSender struct {
	client    *http.Client
	endpoint  string
	projectID string
	limiter   ratelimit.Limiter
	logger    *zap.Logger
}

// NewFCMSender resolves credentials and builds an authenticated sender.
func NewFCMSender(ctx context.Context, cfg FCMConfig) (*FCMSender, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	tokenSource := cfg.TokenSource
	if tokenSource == nil {
		if len(cfg.ServiceAccountJSON) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFCMConfig, errMissingAccount)
		}
		credentials, err := google.CredentialsFromJSON(ctx, cfg.ServiceAccountJSON, fcmScope)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFCMConfig, err)
		}
		tokenSource = credentials.TokenSource
		if projectID == "" {
			projectID = credentials.ProjectID
		}
	}
	if projectID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFCMConfig, errMissingProjectID)
	}

	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = defaultFCMEndpoint
	}
	rate := cfg.RatePerSecond
	if rate <= 0 {
		rate = defaultRatePerSec
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FCMSender{
		client:    oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, tokenSource)),
		endpoint:  endpoint,
		projectID: projectID,
		limiter:   ratelimit.New(rate),
		logger:    logger,
	}, nil
}

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type fcmMessage struct {
	Token        string            `json:"token,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	Notification *fcmNotification  `json:"notification,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

// Send delivers a single message. Failures are returned, never retried.
func (s *FCMSender) Send(ctx context.Context, message Message) error {
	if err := message.validate(); err != nil {
		return err
	}

	payload := fcmRequest{Message: fcmMessage{Data: message.data()}}
	if message.Token != "" {
		payload.Message.Token = message.Token
	} else {
		payload.Message.Topic = message.Topic
	}
	if message.Title != "" || message.Body != "" {
		payload.Message.Notification = &fcmNotification{Title: message.Title, Body: message.Body}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("push: encode message: %w", err)
	}

	s.limiter.Take()

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", s.endpoint, s.projectID)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: build request: %w", err)
	}
	request.Header.Set("Content-Type", contentTypeJSONUTF8)

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("push: fcm request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return fmt.Errorf("push: fcm send failed: %d %s", response.StatusCode, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	s.logger.Debug("push delivered", zap.String("title", message.Title))
	return nil
}
