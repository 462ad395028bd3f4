package crypto

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	// senderStartDelay batches bursts of requests enqueued together into
	// one sender run.
	senderStartDelay = time.Second
	senderRetryDelay = 5 * time.Second
)

// OutgoingGossipManager owns the outgoing room-key request state machine
// and its background sender. Requests are persisted immediately and
// drained by a single sender run at a time; transport failures reschedule
// the whole backlog instead of dropping it.
type OutgoingGossipManager struct {
	ownUserID   id.UserID
	ownDeviceID id.DeviceID

	store     Store
	transport Transport
	exec      *Executor
	logger    *slog.Logger

	running atomic.Bool
	wakeup  chan struct{}
}

func newOutgoingGossipManager(ownUserID id.UserID, ownDeviceID id.DeviceID, store Store, transport Transport, exec *Executor, logger *slog.Logger) *OutgoingGossipManager {
	return &OutgoingGossipManager{
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
		store:       store,
		transport:   transport,
		exec:        exec,
		logger:      logger,
		wakeup:      make(chan struct{}, 1),
	}
}

// RequestRoomKey enqueues a room-key request to the given recipients. A
// request deep-equal to one already pending or sent is a no-op.
func (g *OutgoingGossipManager) RequestRoomKey(ctx context.Context, body event.RequestedKeyInfo, recipients []KeyRequestRecipient) error {
	err := g.exec.Do(ctx, func() error {
		existing, err := g.store.FindOutgoingKeyRequest(ctx, body)
		if err != nil {
			return storeErr("find outgoing request", err)
		}
		if existing != nil {
			switch existing.State {
			case RequestUnsent, RequestSent, RequestCancellingAndResend:
				return nil
			case RequestCancelling:
				// The old intent is being withdrawn; replace it once the
				// cancellation is out.
				existing.State = RequestCancellingAndResend
				return g.store.PutOutgoingKeyRequest(ctx, existing)
			}
		}
		req := &OutgoingKeyRequest{
			RequestID:  uuid.NewString(),
			State:      RequestUnsent,
			Body:       body,
			Recipients: recipients,
			CreatedAt:  time.Now().UTC(),
		}
		return g.store.PutOutgoingKeyRequest(ctx, req)
	})
	if err != nil {
		return err
	}
	g.Kick()
	return nil
}

// CancelRequest withdraws a request. With resend set, a brand-new request
// with a fresh transaction ID replaces it once the cancellation has gone
// out; the old ID is never reused.
func (g *OutgoingGossipManager) CancelRequest(ctx context.Context, requestID string, resend bool) error {
	err := g.exec.Do(ctx, func() error {
		req, err := g.store.GetOutgoingKeyRequest(ctx, requestID)
		if err != nil {
			return storeErr("get outgoing request", err)
		}
		if req == nil {
			return nil
		}
		switch req.State {
		case RequestUnsent:
			// Nothing on the wire yet.
			if !resend {
				return g.store.DeleteOutgoingKeyRequest(ctx, requestID)
			}
			return nil
		case RequestSent:
			if resend {
				req.State = RequestCancellingAndResend
			} else {
				req.State = RequestCancelling
			}
			return g.store.PutOutgoingKeyRequest(ctx, req)
		default:
			return nil
		}
	})
	if err != nil {
		return err
	}
	g.Kick()
	return nil
}

// MarkFulfilled deletes the pending request matching body, typically
// because the key arrived.
func (g *OutgoingGossipManager) MarkFulfilled(ctx context.Context, body event.RequestedKeyInfo) error {
	return g.exec.Do(ctx, func() error {
		req, err := g.store.FindOutgoingKeyRequest(ctx, body)
		if err != nil {
			return storeErr("find outgoing request", err)
		}
		if req == nil {
			return nil
		}
		return g.store.DeleteOutgoingKeyRequest(ctx, req.RequestID)
	})
}

// Kick schedules a sender run. At most one run is active; a run drains
// the backlog and stops rather than spinning.
func (g *OutgoingGossipManager) Kick() {
	select {
	case g.wakeup <- struct{}{}:
	default:
	}
	if g.running.CompareAndSwap(false, true) {
		go g.runSender()
	}
}

func (g *OutgoingGossipManager) runSender() {
	defer g.running.Store(false)
	ctx := context.Background()
	for {
		select {
		case <-g.wakeup:
		default:
		}
		time.Sleep(senderStartDelay)

		backlog, err := g.pendingRequests(ctx)
		if err != nil {
			if errors.Is(err, ErrExecutorClosed) {
				// Engine shut down; the backlog is persisted and picked up
				// on the next start.
				return
			}
			g.logger.Error("failed to load gossip backlog", "err", err)
			time.Sleep(senderRetryDelay)
			continue
		}
		if len(backlog) == 0 {
			return
		}

		failed := false
		for _, req := range backlog {
			if err := g.processRequest(ctx, req); err != nil {
				// Keep going; the whole backlog is retried later.
				failed = true
				g.logger.Warn("outgoing key request failed, will retry",
					"request_id", req.RequestID,
					"state", req.State.String(),
					"err", err,
				)
			}
		}
		if failed {
			time.Sleep(senderRetryDelay)
		}
	}
}

func (g *OutgoingGossipManager) pendingRequests(ctx context.Context) ([]*OutgoingKeyRequest, error) {
	var backlog []*OutgoingKeyRequest
	err := g.exec.Do(ctx, func() error {
		all, err := g.store.OutgoingKeyRequests(ctx)
		if err != nil {
			return storeErr("list outgoing requests", err)
		}
		for _, req := range all {
			if req.State != RequestSent {
				backlog = append(backlog, req)
			}
		}
		return nil
	})
	return backlog, err
}

func (g *OutgoingGossipManager) processRequest(ctx context.Context, req *OutgoingKeyRequest) error {
	switch req.State {
	case RequestUnsent:
		content := &event.RoomKeyRequestEventContent{
			Action:             event.KeyRequestActionRequest,
			Body:               req.Body,
			RequestID:          req.RequestID,
			RequestingDeviceID: g.ownDeviceID,
		}
		if err := g.sendToRecipients(ctx, req.Recipients, content); err != nil {
			return err
		}
		return g.exec.Do(ctx, func() error {
			cur, err := g.store.GetOutgoingKeyRequest(ctx, req.RequestID)
			if err != nil {
				return storeErr("get outgoing request", err)
			}
			if cur == nil || cur.State != RequestUnsent {
				// Cancelled while in flight; the next run handles it.
				return nil
			}
			cur.State = RequestSent
			return g.store.PutOutgoingKeyRequest(ctx, cur)
		})

	case RequestCancelling, RequestCancellingAndResend:
		content := &event.RoomKeyRequestEventContent{
			Action:             event.KeyRequestActionCancel,
			RequestID:          req.RequestID,
			RequestingDeviceID: g.ownDeviceID,
		}
		if err := g.sendToRecipients(ctx, req.Recipients, content); err != nil {
			return err
		}
		resend := req.State == RequestCancellingAndResend
		return g.exec.Do(ctx, func() error {
			if err := g.store.DeleteOutgoingKeyRequest(ctx, req.RequestID); err != nil {
				return storeErr("delete outgoing request", err)
			}
			if !resend {
				return nil
			}
			// Fresh transaction ID so receivers cannot conflate the old
			// and new intents.
			fresh := &OutgoingKeyRequest{
				RequestID:  uuid.NewString(),
				State:      RequestUnsent,
				Body:       req.Body,
				Recipients: req.Recipients,
				CreatedAt:  time.Now().UTC(),
			}
			return g.store.PutOutgoingKeyRequest(ctx, fresh)
		})
	}
	return nil
}

func (g *OutgoingGossipManager) sendToRecipients(ctx context.Context, recipients []KeyRequestRecipient, content *event.RoomKeyRequestEventContent) error {
	req := &mautrix.ReqSendToDevice{
		Messages: make(map[id.UserID]map[id.DeviceID]*event.Content, len(recipients)),
	}
	for _, rcpt := range recipients {
		if req.Messages[rcpt.UserID] == nil {
			req.Messages[rcpt.UserID] = make(map[id.DeviceID]*event.Content)
		}
		req.Messages[rcpt.UserID][rcpt.DeviceID] = &event.Content{Parsed: content}
	}
	if _, err := g.transport.SendToDevice(ctx, event.ToDeviceRoomKeyRequest, req); err != nil {
		return transportErr("send key request", err)
	}
	return nil
}
