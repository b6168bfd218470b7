package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rtsync/rtsync-go/pkg/session"
	"github.com/rtsync/rtsync-go/pkg/wire"
)

// action is the operation of a batch.
type action string

const (
	actionEstablish action = "establish"
	actionCancel    action = "cancel"
)

// NotificationType is the message_type of subscription notifications.
const NotificationType = "rtsync.event"

// Bookkeeping event types. Every other event_type is a domain event.
const (
	EventEstablished = "subscription_established"
	EventCanceled    = "subscription_canceled"
	EventFailed      = "subscription_failed"
)

// batchRequest is the JSON body of a batch.
//
//	{"event_protocol_version": 4, "action": "establish",
//	 "correlation_id": "...", "retried_requests": 0,
//	 "requests": [{"entity_id": "CH1", "entity_type": "channel", "last_event_id": 7}]}
type batchRequest struct {
	EventProtocolVersion int           `json:"event_protocol_version"`
	Action               action        `json:"action"`
	CorrelationID        string        `json:"correlation_id"`
	RetriedRequests      int           `json:"retried_requests"`
	Requests             []entityEntry `json:"requests"`
}

type entityEntry struct {
	EntityID    string `json:"entity_id"`
	EntityType  string `json:"entity_type"`
	LastEventID *int64 `json:"last_event_id,omitempty"`
}

// batchReply is the JSON body of a successful batch reply.
type batchReply struct {
	EstimatedDeliveryInMs int64 `json:"estimated_delivery_in_ms"`
	MaxBatchSize          int   `json:"max_batch_size"`
}

// eventPayload is the JSON body of an rtsync.event notification.
type eventPayload struct {
	EventType     string          `json:"event_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	EntityID      string          `json:"entity_id"`
	EntityType    string          `json:"entity_type,omitempty"`
	EventID       *int64          `json:"event_id,omitempty"`
	Status        int             `json:"status,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

func newBatchMessage(cfg Config, body batchRequest) (*wire.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s batch: %w", body.Action, err)
	}
	return &wire.Request{
		Header: wire.Header{
			Method:      wire.MethodMessage,
			PayloadType: wire.DefaultPayloadType,
			Payload:     payload,
		},
		Target: cfg.Target,
		HTTPRequest: &wire.HTTPRequest{
			Method: "POST",
			Path:   cfg.Path,
		},
	}, nil
}

// parseBatchReply reads the reply body. A missing or malformed body yields
// zero values.
func parseBatchReply(reply *wire.Reply) (maxBatch int, delivery time.Duration) {
	if reply == nil || len(reply.Payload) == 0 {
		return 0, 0
	}
	var r batchReply
	if err := json.Unmarshal(reply.Payload, &r); err != nil {
		return 0, 0
	}
	return r.MaxBatchSize, time.Duration(r.EstimatedDeliveryInMs) * time.Millisecond
}

// batchError returns the error of a batch round trip, folding a non-2xx
// upstream http_status into it.
func batchError(reply *wire.Reply, err error) error {
	if err != nil {
		return err
	}
	if reply.HTTPStatus != nil && !reply.HTTPStatus.IsSuccess() {
		if reply.HTTPStatus.Code == wire.CodeNotFound {
			return fmt.Errorf("%w: http status %d", ErrNotFound, reply.HTTPStatus.Code)
		}
		return fmt.Errorf("subscription batch: http status %d", reply.HTTPStatus.Code)
	}
	return nil
}

// isNotFound reports whether err is the terminal not-found condition.
func isNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var re *session.ReplyError
	return errors.As(err, &re) && re.Status.Code == wire.CodeNotFound
}
