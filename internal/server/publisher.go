package server

import (
	"time"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/requirements"
	"go.uber.org/zap"
)

// HubPublisher fans committed row changes out on the block's realtime topic.
type HubPublisher struct {
	hub    *realtime.Hub
	clock  func() time.Time
	logger *zap.Logger
}

// NewHubPublisher constructs a publisher bound to hub.
func NewHubPublisher(hub *realtime.Hub, logger *zap.Logger) *HubPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HubPublisher{hub: hub, clock: time.Now, logger: logger}
}

// PublishRowChange implements requirements.ChangePublisher.
func (p *HubPublisher) PublishRowChange(change requirements.RowChange) {
	var event string
	switch change.Operation {
	case requirements.OperationInsert:
		event = realtime.EventRowInsert
	case requirements.OperationUpdate:
		event = realtime.EventRowUpdate
	case requirements.OperationDelete:
		event = realtime.EventRowDelete
	default:
		return
	}

	var oldRow *collab.Row
	if change.OldRow != nil {
		snapshot := change.OldRow.Snapshot()
		oldRow = &snapshot
	}
	message, err := realtime.RowMessage(
		realtime.BlockTopic(change.Row.BlockID),
		event,
		change.Row.Snapshot(),
		oldRow,
		p.clock().UTC(),
	)
	if err != nil {
		p.logger.Error("row change encoding failed",
			zap.String("row_id", change.Row.RowID),
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}
	p.hub.Publish(message)
}
