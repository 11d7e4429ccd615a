// Package events defines the messages exchanged with collaborators about approval workflows.
package events

import (
	"fmt"
	"time"

	"github.com/dukex/approvals/pkg/models"
)

type EventType string

// Kafka topics.
const (
	Topic             = "approvals.events"        // Outbound lifecycle events and decision callbacks
	EntityEventsTopic = "approvals.entity.events" // Inbound entity events raised by CRUD collaborators
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Inbound.
	EntityEventReceivedEvent EventType = "approval.entity.event"

	// Instance lifecycle.
	InstanceStartedEvent   EventType = "approval.instance.started"
	InstanceFinishedEvent  EventType = "approval.instance.finished"
	InstanceAttentionEvent EventType = "approval.instance.attention"

	// Step lifecycle.
	StepAssignedEvent EventType = "approval.step.assigned"
	StepNotifiedEvent EventType = "approval.step.notified"
)

// TopicFor returns the topic an event type travels on.
func TopicFor(eventType EventType) string {
	if eventType == EntityEventReceivedEvent {
		return EntityEventsTopic
	}

	return Topic
}

// New returns an empty event of the given type, ready to be decoded into.
func New(eventType EventType) (any, error) {
	switch eventType {
	case EntityEventReceivedEvent:
		return &EntityEventReceived{}, nil
	case InstanceStartedEvent:
		return &InstanceStarted{}, nil
	case InstanceFinishedEvent:
		return &InstanceFinished{}, nil
	case InstanceAttentionEvent:
		return &AttentionRequired{}, nil
	case StepAssignedEvent:
		return &StepAssigned{}, nil
	case StepNotifiedEvent:
		return &StepNotified{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
}

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	CompanyID  string         `json:"company_id"`
	InstanceID string         `json:"instance_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// EntityEventReceived carries an entity event from a CRUD collaborator.
type EntityEventReceived struct {
	BaseEvent

	Event models.EntityEvent `json:"event"`
}

func (e EntityEventReceived) GetType() EventType {
	return EntityEventReceivedEvent
}

type InstanceStarted struct {
	BaseEvent

	TemplateID  string `json:"template_id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	TriggeredBy string `json:"triggered_by"`
}

func (e InstanceStarted) GetType() EventType {
	return InstanceStartedEvent
}

// InstanceFinished is the outbound decision callback that unblocks the entity.
type InstanceFinished struct {
	BaseEvent

	Callback models.DecisionCallback `json:"callback"`
}

func (e InstanceFinished) GetType() EventType {
	return InstanceFinishedEvent
}

// AttentionRequired flags an instance that needs an administrator.
type AttentionRequired struct {
	BaseEvent

	StepExecutionID string `json:"step_execution_id,omitempty"`
	Reason          string `json:"reason"`
}

func (e AttentionRequired) GetType() EventType {
	return InstanceAttentionEvent
}

type StepAssigned struct {
	BaseEvent

	StepExecutionID string     `json:"step_execution_id"`
	StepNumber      int        `json:"step_number"`
	RequestID       string     `json:"request_id"`
	AssignedTo      string     `json:"assigned_to,omitempty"`
	AssignedRole    string     `json:"assigned_role,omitempty"`
	DueAt           *time.Time `json:"due_at,omitempty"`
}

func (e StepAssigned) GetType() EventType {
	return StepAssignedEvent
}

// StepNotified is raised for notification, automatic action and integration
// steps that complete without a human.
type StepNotified struct {
	BaseEvent

	StepExecutionID string          `json:"step_execution_id"`
	StepNumber      int             `json:"step_number"`
	StepName        string          `json:"step_name"`
	StepType        models.StepType `json:"step_type"`
	Config          map[string]any  `json:"config,omitempty"`
}

func (e StepNotified) GetType() EventType {
	return StepNotifiedEvent
}
