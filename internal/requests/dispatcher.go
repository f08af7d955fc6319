package requests

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"dispatch-service/internal/events"
	"dispatch-service/pkg/apperr"
	"dispatch-service/pkg/kafka"
)

// Subscriber delivers raw messages from a topic to a handler.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, groupID string, handler func(context.Context, []byte) error)
}

// Dispatcher auto-assigns newly created requests from the request.created topic.
type Dispatcher struct {
	coord *Coordinator
	log   *zap.Logger
}

// NewDispatcher creates a dispatcher driving coord.
func NewDispatcher(coord *Coordinator, log *zap.Logger) *Dispatcher {
	return &Dispatcher{coord: coord, log: log.Named("dispatcher")}
}

// Start subscribes to request.created until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context, sub Subscriber) {
	sub.Subscribe(ctx, kafka.TopicRequestCreated, "dispatch-auto-assign", d.Handle)
	d.log.Info("dispatcher started", zap.String("topic", kafka.TopicRequestCreated))
}

// Handle runs one auto-assignment. Conflicts and empty searches are normal
// outcomes and are not returned as errors, so the message is not retried.
func (d *Dispatcher) Handle(ctx context.Context, data []byte) error {
	var ev events.RequestCreated
	if err := json.Unmarshal(data, &ev); err != nil {
		d.log.Warn("dropping malformed request.created", zap.Error(err))
		return nil
	}
	log := d.log.With(zap.String("request_id", ev.RequestID))

	res, err := d.coord.AutoAssign(ctx, ev.RequestID, ev.Location.Lat, ev.Location.Lng)
	switch {
	case errors.Is(err, ErrRequestNotPending):
		log.Info("request already handled")
		return nil
	case err != nil && apperr.Expected(err):
		log.Info("auto-assign skipped", zap.Error(err))
		return nil
	case err != nil:
		return err
	}

	if res.Outcome == OutcomeNoTechniciansAvailable {
		log.Info("no technicians available; left pending for manual retry")
		return nil
	}
	log.Info("auto-assigned", zap.Stringp("technician_id", res.Request.TechnicianID))
	return nil
}
