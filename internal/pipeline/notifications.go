package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"backcheck/internal/check"
	"backcheck/internal/notify"
)

const (
	priorityTerminal = 10
	priorityProgress = 0
)

var candidateMessages = map[check.Status]notify.Message{
	check.StatusDocumentsPending: {
		Subject: "Documents needed for your background check",
		Body:    "Please upload the documents requested for your background check.",
	},
	check.StatusInterviewScheduled: {
		Subject: "Your background check interview is scheduled",
		Body:    "An interview has been scheduled as part of your background check.",
	},
	check.StatusCompleted: {
		Subject: "Your background check is complete",
		Body:    "All verifications for your background check have been completed.",
	},
	check.StatusRejected: {
		Subject: "Update on your background check",
		Body:    "One or more verifications could not be confirmed. The requesting organization will follow up.",
	},
	check.StatusCancelled: {
		Subject: "Your background check was cancelled",
		Body:    "The background check request has been cancelled.",
	},
}

// statusEvent is the organization-facing event payload.
type statusEvent struct {
	CheckID         string                               `json:"check_id"`
	CheckType       check.CheckType                      `json:"check_type"`
	Status          check.Status                         `json:"status"`
	OrganizationRef string                               `json:"organization_ref"`
	Components      map[check.ComponentKind]check.Status `json:"components"`
	Version         int64                                `json:"version"`
	OccurredAt      time.Time                            `json:"occurred_at"`
}

// emitStatus enqueues the notifications owed for a status change. Delivery
// problems are logged and never fail the write that caused them.
func (s *Service) emitStatus(ctx context.Context, before, after *check.Check) {
	if before == nil || after == nil || before.Status == after.Status {
		return
	}
	status := after.Status
	priority := priorityProgress
	if status.IsTerminal() {
		priority = priorityTerminal
	}

	if msg, ok := candidateMessages[status]; ok {
		msg.CheckID = after.ID
		msg.Status = string(status)
		s.enqueue(ctx, after, s.candidateChannel, after.CandidateRef, msg, priority)
	}
	if status.IsTerminal() {
		components := make(map[check.ComponentKind]check.Status, len(after.Components))
		for kind, comp := range after.Components {
			components[kind] = comp.Status
		}
		s.enqueue(ctx, after, notify.ChannelEvent, after.OrganizationRef, statusEvent{
			CheckID:         after.ID,
			CheckType:       after.Type,
			Status:          status,
			OrganizationRef: after.OrganizationRef,
			Components:      components,
			Version:         after.Version,
			OccurredAt:      after.UpdatedAt,
		}, priority)
	}
}

func (s *Service) enqueue(ctx context.Context, c *check.Check, channel notify.Channel, recipient string, payload any, priority int) {
	log := s.logger.With(
		zap.String("check_id", c.ID),
		zap.String("status", string(c.Status)),
		zap.String("channel", string(channel)),
	)
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error("encode notification", zap.Error(err))
		return
	}
	accepted, err := s.notifier.Enqueue(ctx, notify.Envelope{
		RecipientRef:  recipient,
		Channel:       channel,
		CorrelationID: c.ID,
		Payload:       raw,
		Priority:      priority,
		DedupeKey:     c.ID + ":" + string(c.Status) + ":" + recipient,
	})
	if err != nil {
		log.Error("enqueue notification", zap.Error(err))
		return
	}
	if !accepted {
		log.Debug("notification already pending or delivered")
	}
}
