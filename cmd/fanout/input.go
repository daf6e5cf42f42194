package main

import (
	"bufio"
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/fanout/core"
)

const maxLineSize = 1 << 20

// lineDefaults fills fields that emitted lines leave out.
type lineDefaults struct {
	session string
	user    string
	project string
}

// record is one parsed input line. Exactly one field is set.
type record struct {
	event      *core.Event
	invocation *core.ToolInvocation
}

// lines returns an iterator over the lines of r. A read error is yielded
// once as the last element.
func lines(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			if !yield(scanner.Text(), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", err)
		}
	}
}

// parseLine turns a line into an event or tool invocation. JSON objects are
// decoded as an invocation when they carry invocation_id or tool_name and as
// an event otherwise; any other text becomes a user message. Blank lines and
// lines starting with # yield nil.
func parseLine(line string, d lineDefaults) (*record, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}
	if !strings.HasPrefix(line, "{") {
		var opts []core.EventOption
		if d.project != "" {
			opts = append(opts, core.WithMetadata(map[string]any{"project_id": d.project}))
		}
		return &record{event: core.NewUserMessage(d.session, d.user, line, opts...)}, nil
	}

	var probe struct {
		InvocationID string `json:"invocation_id"`
		ToolName     string `json:"tool_name"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return nil, fmt.Errorf("decode line: %w", err)
	}

	if probe.InvocationID != "" || probe.ToolName != "" {
		var inv core.ToolInvocation
		if err := json.Unmarshal([]byte(line), &inv); err != nil {
			return nil, fmt.Errorf("decode tool invocation: %w", err)
		}
		if inv.InvocationID == "" {
			inv.InvocationID = uuid.NewString()
		}
		inv.SessionID = cmp.Or(inv.SessionID, d.session)
		inv.UserID = cmp.Or(inv.UserID, d.user)
		return &record{invocation: &inv}, nil
	}

	var event core.Event
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.EventType == "" {
		event.EventType = core.EventTypeMessageSent
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.SessionID = cmp.Or(event.SessionID, d.session)
	event.UserID = cmp.Or(event.UserID, d.user)
	return &record{event: &event}, nil
}
