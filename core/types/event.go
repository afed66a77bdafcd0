package types

// Event is the flattened form of an engine event: a dotted type name plus
// string attributes, as journaled and streamed to subscribers.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
