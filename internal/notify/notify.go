// Package notify sends out-of-band email when something happens to a
// user's social graph while they are away. Delivery is best effort;
// failures are logged and never reach the triggering operation.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/privatecircle/messenger/internal/logging"
	"github.com/privatecircle/messenger/internal/models"
)

// Sender delivers one email.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody, textBody string) error
}

// EmailResolver maps a user id to the account email address.
type EmailResolver func(ctx context.Context, uid string) (string, error)

// EmailNotifier builds and sends friend-request mail. It satisfies the
// social graph's notifier seam.
type EmailNotifier struct {
	sender  Sender
	resolve EmailResolver
	baseURL string
}

func NewEmailNotifier(sender Sender, resolve EmailResolver, baseURL string) *EmailNotifier {
	return &EmailNotifier{sender: sender, resolve: resolve, baseURL: baseURL}
}

func (n *EmailNotifier) FriendRequestReceived(ctx context.Context, targetUID string, from models.Profile) {
	subject := sanitizeSubject(fmt.Sprintf("%s sent you a friend request", from.Name))
	htmlBody, textBody := buildRequestEmail(from, n.baseURL, "sent you a friend request")
	n.deliver(ctx, targetUID, subject, htmlBody, textBody)
}

func (n *EmailNotifier) FriendRequestAccepted(ctx context.Context, requesterUID string, by models.Profile) {
	subject := sanitizeSubject(fmt.Sprintf("%s accepted your friend request", by.Name))
	htmlBody, textBody := buildRequestEmail(by, n.baseURL, "accepted your friend request")
	n.deliver(ctx, requesterUID, subject, htmlBody, textBody)
}

func (n *EmailNotifier) deliver(ctx context.Context, uid, subject, htmlBody, textBody string) {
	to, err := n.resolve(ctx, uid)
	if err != nil {
		logging.Warn("Notification address lookup failed", map[string]interface{}{
			"uid":   uid,
			"error": err.Error(),
		})
		return
	}
	if err := n.sender.Send(ctx, to, subject, htmlBody, textBody); err != nil {
		logging.Warn("Notification email failed", map[string]interface{}{
			"to":    to,
			"error": err.Error(),
		})
	}
}

func buildRequestEmail(p models.Profile, baseURL, action string) (string, string) {
	safeName := templateEscape(p.Name)
	safeHandle := templateEscape(p.Handle)
	safeURL := templateEscape(baseURL)

	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 640px; margin: 0 auto; padding: 24px;">
  <h1 style="color: #333; font-size: 24px;">Private Circle</h1>
  <p style="font-size: 18px; margin-bottom: 4px;"><strong>%s</strong> <span style="color: #666;">%s</span></p>
  <p style="color: #666; margin-top: 0;">%s.</p>
  <p>
    <a href="%s" style="display: inline-block; background: #4f46e5; color: white; padding: 10px 18px; text-decoration: none; border-radius: 6px; margin: 12px 0;">Open Private Circle</a>
  </p>
</body>
</html>`,
		safeName,
		safeHandle,
		templateEscape(action),
		safeURL,
	)

	textBody := fmt.Sprintf(`%s (%s) %s.

Open Private Circle: %s`,
		p.Name,
		p.Handle,
		action,
		baseURL,
	)

	return htmlBody, textBody
}

func templateEscape(s string) string {
	return html.EscapeString(s)
}

// sanitizeSubject strips header-injection characters from user-derived
// subject lines.
func sanitizeSubject(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}
