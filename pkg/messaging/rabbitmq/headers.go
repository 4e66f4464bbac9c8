package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Death is the most recent x-death entry the broker attached when it
// dead-lettered a message.
type Death struct {
	Reason string
	Queue  string
	Count  int64
}

// LastDeath reads the newest x-death entry from headers. The broker keeps
// the newest entry first.
func LastDeath(headers map[string]interface{}) (Death, bool) {
	raw, ok := headers["x-death"].([]interface{})
	if !ok || len(raw) == 0 {
		return Death{}, false
	}

	var entry map[string]interface{}
	switch v := raw[0].(type) {
	case amqp.Table:
		entry = v
	case map[string]interface{}:
		entry = v
	default:
		return Death{}, false
	}

	d := Death{}
	d.Reason, _ = entry["reason"].(string)
	d.Queue, _ = entry["queue"].(string)
	switch c := entry["count"].(type) {
	case int64:
		d.Count = c
	case int32:
		d.Count = int64(c)
	case int:
		d.Count = int64(c)
	}
	return d, true
}
