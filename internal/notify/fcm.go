package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/railwatch/railwatch/internal/store"
)

// MessagingClient is the slice of the Firebase messaging API the sender
// needs; *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender delivers through Firebase Cloud Messaging, addressed by the
// deviceToken registered in the user's settings.
type FCMSender struct {
	client MessagingClient
}

// NewFCMSender initializes the Firebase app and messaging client.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: messaging client: %w", err)
	}
	return &FCMSender{client: client}, nil
}

// NewFCMSenderWithClient wires an existing messaging client; used by tests.
func NewFCMSenderWithClient(client MessagingClient) *FCMSender {
	return &FCMSender{client: client}
}

// Name identifies the sender in logs.
func (s *FCMSender) Name() string {
	return "fcm"
}

// Send pushes the payload to the user's device. A user without a registered
// deviceToken has not completed the permission grant; that is a silent
// no-op, not an error.
func (s *FCMSender) Send(ctx context.Context, user store.UserSettings, payload Payload) error {
	if user.DeviceToken == "" {
		return nil
	}
	data := map[string]string{
		"title": payload.ResolvedTitle(),
		"body":  payload.ResolvedBody(),
	}
	for key, value := range payload.Data {
		data[key] = value
	}
	message := &messaging.Message{
		Token: user.DeviceToken,
		Data:  data,
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title:    payload.ResolvedTitle(),
				Body:     payload.ResolvedBody(),
				Tag:      payload.Tag,
				Renotify: true,
			},
		},
	}
	_, err := s.client.Send(ctx, message)
	return err
}
