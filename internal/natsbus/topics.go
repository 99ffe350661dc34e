package natsbus

import "fmt"

// Subject patterns for the bridge command gateway and event stream.

func TopicBridgeCommand(verb string) string {
	return fmt.Sprintf("bridge.cmd.%s", verb)
}

func TopicBridgeEvent(eventType string) string {
	return fmt.Sprintf("events.bridge.%s", eventType)
}

func TopicSessionEvent(sessionID string) string {
	return fmt.Sprintf("events.session.%s", sessionID)
}

const (
	TopicBridgeCommands = "bridge.cmd.*"
	TopicEventsAll      = "events.>"
	TopicEventsBridge   = "events.bridge.*"
)

const TopicEventsScheduleExecuted = "events.schedule.executed"
