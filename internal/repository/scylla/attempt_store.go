package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/order-dispatch/internal/domain"
)

// AttemptStore keeps the per-attempt audit trail of queue messages in Scylla.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// AppendAttempt writes the attempt to the per-message table and the daily index.
func (s *AttemptStore) AppendAttempt(ctx context.Context, a domain.MessageAttempt) error {
	durationMs := int64(a.Duration / time.Millisecond)
	if err := s.session.Query(`INSERT INTO message_attempts (message_id, attempt_number, outcome, recipient, error, provider_message_id, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.MessageID.String(), a.AttemptNum, string(a.Outcome), a.Recipient, a.Error, a.ProviderMessageID, durationMs, a.CreatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert message_attempts: %w", err)
	}

	if err := s.session.Query(`INSERT INTO message_attempts_by_day (bucket, created_at, message_id, attempt_number, outcome)
		VALUES (?, ?, ?, ?, ?)`,
		bucketDate(a.CreatedAt), a.CreatedAt, a.MessageID.String(), a.AttemptNum, string(a.Outcome),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert message_attempts_by_day: %w", err)
	}
	return nil
}

// ListAttempts pages through the attempts of one message.
func (s *AttemptStore) ListAttempts(ctx context.Context, messageID uuid.UUID, limit int, pagingState []byte) ([]domain.MessageAttempt, []byte, error) {
	if limit <= 0 {
		limit = 50
	}

	query := s.session.Query(`SELECT attempt_number, outcome, recipient, error, provider_message_id, duration_ms, created_at
		FROM message_attempts WHERE message_id = ?`, messageID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	attempts := make([]domain.MessageAttempt, 0, limit)

	var (
		attemptNum int
		outcome    string
		recipient  string
		errText    string
		providerID string
		durationMs int64
		createdAt  time.Time
	)

	for iter.Scan(&attemptNum, &outcome, &recipient, &errText, &providerID, &durationMs, &createdAt) {
		attempts = append(attempts, domain.MessageAttempt{
			MessageID:         messageID,
			AttemptNum:        attemptNum,
			Outcome:           domain.AttemptOutcome(outcome),
			Recipient:         recipient,
			Error:             errText,
			ProviderMessageID: providerID,
			Duration:          time.Duration(durationMs) * time.Millisecond,
			CreatedAt:         createdAt,
		})
		if len(attempts) >= limit {
			break
		}
	}

	nextState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("attempt store: iter close: %w", err)
	}

	return attempts, nextState, nil
}

func bucketDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
