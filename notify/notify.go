// Package notify provides recurring.Notifier implementations.
//
// The engine only calls Notify and logs failures; retries and delivery
// guarantees belong to whatever consumes the published messages.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/recurring-engine/generic"
	"github.com/warp/recurring-engine/recurring"
)

// Message is the wire form of one notification.
type Message struct {
	UserID       generic.UserID             `json:"user_id"`
	Kind         recurring.NotificationKind `json:"kind"`
	Title        string                     `json:"title"`
	Message      string                     `json:"message"`
	Priority     recurring.Priority         `json:"priority"`
	ObligationID recurring.ObligationID     `json:"obligation_id"`
	Metadata     map[string]any             `json:"metadata,omitempty"`
	SentAt       time.Time                  `json:"sent_at"`
}

func newMessage(userID generic.UserID, kind recurring.NotificationKind, p recurring.Payload) Message {
	return Message{
		UserID:       userID,
		Kind:         kind,
		Title:        p.Title,
		Message:      p.Message,
		Priority:     p.Priority,
		ObligationID: p.ObligationID,
		Metadata:     p.Metadata,
		SentAt:       time.Now().UTC(),
	}
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// Log writes notifications to the logger. Used when no broker is configured.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("notify")}
}

func (l *Log) Notify(_ context.Context, userID generic.UserID, kind recurring.NotificationKind, p recurring.Payload) error {
	l.logger.Info("notification",
		zap.String("user_id", string(userID)),
		zap.String("kind", string(kind)),
		zap.String("priority", string(p.Priority)),
		zap.String("obligation_id", string(p.ObligationID)),
		zap.String("title", p.Title),
		zap.String("message", p.Message),
	)
	return nil
}

// =============================================================================
// NATS NOTIFIER
// =============================================================================

// DefaultSubjectPrefix is used when none is configured.
const DefaultSubjectPrefix = "recurring.notifications"

// NATS publishes each notification as JSON to
//
//	{prefix}.{user_id}.{kind}
//
// e.g. recurring.notifications.user-42.bill_reminder
type NATS struct {
	conn   *nats.Conn
	prefix string
}

func NewNATS(conn *nats.Conn, prefix string) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{conn: conn, prefix: prefix}
}

// Connect dials the NATS server with reconnects enabled.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("recurringd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info("Connected to NATS", zap.String("url", url))
	return nc, nil
}

// Subject returns the subject a notification for userID and kind goes to.
func (n *NATS) Subject(userID generic.UserID, kind recurring.NotificationKind) string {
	return fmt.Sprintf("%s.%s.%s", n.prefix, subjectToken(string(userID)), strings.ToLower(string(kind)))
}

func (n *NATS) Notify(ctx context.Context, userID generic.UserID, kind recurring.NotificationKind, p recurring.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(newMessage(userID, kind, p))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.conn.Publish(n.Subject(userID, kind), data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// subjectToken replaces characters that have meaning in NATS subjects.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// =============================================================================
// RATE LIMITING AND FAN-OUT
// =============================================================================

// RateLimited delays notifications to at most ratePerSecond, with burst.
// A scan that materializes thousands of entries otherwise floods the
// downstream channel.
type RateLimited struct {
	next    recurring.Notifier
	limiter *rate.Limiter
}

func NewRateLimited(next recurring.Notifier, ratePerSecond float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(ratePerSecond)
	if ratePerSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimited) Notify(ctx context.Context, userID generic.UserID, kind recurring.NotificationKind, p recurring.Payload) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}
	return r.next.Notify(ctx, userID, kind, p)
}

// Multi delivers to every notifier and joins their errors.
type Multi []recurring.Notifier

func (m Multi) Notify(ctx context.Context, userID generic.UserID, kind recurring.NotificationKind, p recurring.Payload) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, userID, kind, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
