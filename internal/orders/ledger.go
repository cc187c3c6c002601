package orders

import (
	"context"
	"encoding/json"
	"sort"

	"storefront/internal/apperr"
	"storefront/internal/docstore"
	"storefront/internal/model"
)

// AppendFailedNotification writes a new ledger row with retryCount 0.
func (s *Service) AppendFailedNotification(ctx context.Context, orderID, kind, recipient string, cause error) (model.FailedNotification, error) {
	fn := model.FailedNotification{
		ID:         s.newID(),
		OrderID:    orderID,
		Kind:       kind,
		Recipient:  recipient,
		RetryCount: 0,
		CreatedAt:  s.now(),
	}
	if cause != nil {
		fn.Error = cause.Error()
	}
	st, err := s.store()
	if err != nil {
		return model.FailedNotification{}, err
	}
	if err := st.Update(ctx, func(tx docstore.Tx) error {
		return tx.Put(docstore.FailedNotifications, fn.ID, fn)
	}); err != nil {
		return model.FailedNotification{}, apperr.New("append failed notification", apperr.KindInternal, err)
	}
	return fn, nil
}

// PendingNotifications lists unresolved ledger rows, oldest first.
func (s *Service) PendingNotifications(ctx context.Context) ([]model.FailedNotification, error) {
	st, err := s.store()
	if err != nil {
		return nil, err
	}
	var out []model.FailedNotification
	err = st.View(ctx, func(tx docstore.Tx) error {
		return tx.Scan(docstore.FailedNotifications, func(_ string, raw []byte) error {
			var fn model.FailedNotification
			if err := json.Unmarshal(raw, &fn); err != nil {
				return err
			}
			if !fn.Resolved {
				out = append(out, fn)
			}
			return nil
		})
	})
	if err != nil {
		return nil, apperr.New("list failed notifications", apperr.KindInternal, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RecordRetry bumps retryCount on a ledger row and marks it resolved when the
// retry succeeded.
func (s *Service) RecordRetry(ctx context.Context, id string, cause error) (model.FailedNotification, error) {
	st, err := s.store()
	if err != nil {
		return model.FailedNotification{}, err
	}
	var out model.FailedNotification
	err = st.Update(ctx, func(tx docstore.Tx) error {
		var fn model.FailedNotification
		if err := tx.Get(docstore.FailedNotifications, id, &fn); err != nil {
			return err
		}
		now := s.now()
		fn.RetryCount++
		fn.LastAttemptAt = &now
		if cause == nil {
			fn.Resolved = true
		} else {
			fn.Error = cause.Error()
		}
		out = fn
		return tx.Put(docstore.FailedNotifications, id, fn)
	})
	if err != nil {
		return model.FailedNotification{}, apperr.New("record retry", apperr.KindInternal, err)
	}
	return out, nil
}
