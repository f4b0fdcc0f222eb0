package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultPriorityLevel is the level a bare `"priority": true` asks for.
const DefaultPriorityLevel Priority = 10

// Priority is the dispatch priority of a submission. Zero means the job goes
// to the execution queue; a positive level routes it to the priority queue,
// where higher levels run first.
//
// JSON accepts a number or a boolean flag, so both {"priority": 5} and
// {"priority": true} are valid request bodies. It is always written as a number.
type Priority int

// Urgent reports whether the job belongs on the priority queue.
func (p Priority) Urgent() bool {
	return p > 0
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null", "false":
		*p = 0
		return nil
	case "true":
		*p = DefaultPriorityLevel
		return nil
	}
	var level float64
	if err := json.Unmarshal(data, &level); err != nil {
		return fmt.Errorf("priority must be a boolean or a number: %w", err)
	}
	if level < 0 {
		level = 0
	}
	*p = Priority(level)
	return nil
}
