package events

import "time"

// Topic prefixes. An event type is "<topic>.<verb>", e.g.
// "session.stalled" or "review.escalated".
const (
	TopicSession       = "session"
	TopicTask          = "task"
	TopicMachine       = "machine"
	TopicReview        = "review"
	TopicOrchestration = "orchestration"
	TopicProject       = "project"
	TopicWorktree      = "worktree"
)

// Event is the envelope published on the bus. Routing is derived from
// the envelope, not the payload: events with a WorkspaceID go to that
// workspace's room, events with a ProjectNumber go to that project's
// room and replay ring, events with neither go to every client.
type Event struct {
	Seq           uint64    `json:"seq"`
	Type          string    `json:"type"`
	WorkspaceID   string    `json:"workspace_id,omitempty"`
	ProjectNumber int       `json:"project_number,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       any       `json:"payload,omitempty"`
}

// ClientMessage is a message from a dashboard over the WebSocket.
type ClientMessage struct {
	Type           string `json:"type"` // subscribe | unsubscribe | subscribeProjects
	WorkspaceID    string `json:"workspaceId,omitempty"`
	ProjectNumbers []int  `json:"projectNumbers,omitempty"`
}

// ServerMessage is a message pushed to a dashboard over the WebSocket.
// Type is one of project.event, orchestration.global,
// orchestration.workspace, subscribed, unsubscribed, error.
type ServerMessage struct {
	Type          string `json:"type"`
	WorkspaceID   string `json:"workspace_id,omitempty"`
	ProjectNumber int    `json:"project_number,omitempty"`
	Event         *Event `json:"event,omitempty"`
	Message       string `json:"message,omitempty"`
}

// BusStats reports bus activity for the detailed health probe.
type BusStats struct {
	Subscribers        int    `json:"subscribers"`
	Published          uint64 `json:"published"`
	DroppedSubscribers uint64 `json:"dropped_subscribers"`
	ReplayRings        int    `json:"replay_rings"`
}
