// Package routing maps canonical event types to destination queue names.
// The table is a static lookup loaded once at startup; it performs no I/O
// on the request path.
package routing

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrNoRoute is returned when no queue is configured for an event type.
// A missing route is a configuration error, not a delivery failure.
var ErrNoRoute = errors.New("routing: no route for event")

// Rule binds an event type (optionally scoped to one repository) to a
// destination queue.
type Rule struct {
	Event      string `yaml:"event"`
	Repository string `yaml:"repository,omitempty"`
	Queue      string `yaml:"queue"`
}

type tableFile struct {
	DefaultQueue string `yaml:"default_queue,omitempty"`
	Routes       []Rule `yaml:"routes"`
}

// Table resolves destination queues. The most specific rule wins:
// event+repository, then event, then the default queue.
type Table struct {
	byEventRepo  map[string]string // "event\x00repo" -> queue
	byEvent      map[string]string
	defaultQueue string
}

// New builds a Table from rules and an optional default queue.
func New(defaultQueue string, rules ...Rule) (*Table, error) {
	t := &Table{
		byEventRepo:  make(map[string]string),
		byEvent:      make(map[string]string),
		defaultQueue: defaultQueue,
	}

	for _, r := range rules {
		if r.Event == "" || r.Queue == "" {
			return nil, fmt.Errorf("routing: rule needs both event and queue (got event=%q queue=%q)", r.Event, r.Queue)
		}
		if r.Repository != "" {
			t.byEventRepo[r.Event+"\x00"+r.Repository] = r.Queue
		} else {
			t.byEvent[r.Event] = r.Queue
		}
	}

	return t, nil
}

// LoadFile reads a routing table from a YAML file.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routing: read %s: %w", path, err)
	}

	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("routing: parse %s: %w", path, err)
	}

	return New(f.DefaultQueue, f.Routes...)
}

// Route returns the destination queue for an event type and repository.
func (t *Table) Route(eventType, repository string) (string, error) {
	if repository != "" {
		if q, ok := t.byEventRepo[eventType+"\x00"+repository]; ok {
			return q, nil
		}
	}
	if q, ok := t.byEvent[eventType]; ok {
		return q, nil
	}
	if t.defaultQueue != "" {
		return t.defaultQueue, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoRoute, eventType)
}
