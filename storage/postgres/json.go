package postgres

import (
	"encoding/json"

	"github.com/pullsentry/pullsentry/storage"
)

// historyToJSON converts thread history to a JSON string for storage.
func historyToJSON(history []storage.ThreadMessage) string {
	if len(history) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(history)
	return string(b)
}

// historyFromJSON parses a JSON string into thread history.
func historyFromJSON(s string) []storage.ThreadMessage {
	if s == "" || s == "null" {
		return nil
	}
	var history []storage.ThreadMessage
	if err := json.Unmarshal([]byte(s), &history); err != nil {
		return nil
	}
	return history
}
