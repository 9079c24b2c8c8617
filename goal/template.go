package goal

import (
	"regexp"
	"strings"
	"time"

	"github.com/vigil-agent/vigil/core"
)

// Action fields may contain {{ expr }} placeholders. The expression grammar
// is deliberately narrow: dotted lookups into the event context returning a
// scalar coerced to string. No code is ever evaluated; a failed lookup
// leaves the placeholder unchanged.

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// EventContext builds the template context for an event:
//
//	event.type, event.source, event.timestamp, event.payload.<key>,
//	event.metadata.<key>
func EventContext(ev *core.Event) map[string]interface{} {
	return map[string]interface{}{
		"event": map[string]interface{}{
			"type":      ev.Type,
			"source":    ev.Source,
			"payload":   ev.Payload,
			"timestamp": ev.Timestamp.Format(time.RFC3339),
			"metadata":  ev.Metadata,
		},
	}
}

// Render substitutes every {{ expr }} placeholder in s using the context.
// Unresolvable expressions and non-scalar results stay as-is.
func Render(s string, ctx map[string]interface{}) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		expr := placeholderRe.FindStringSubmatch(match)[1]
		value, ok := lookup(ctx, expr)
		if !ok || !core.IsScalar(value) {
			return match
		}
		return core.CoerceString(value)
	})
}

// RenderAction returns a copy of the action with all templated fields
// resolved against the event.
func RenderAction(a Action, ev *core.Event) Action {
	ctx := EventContext(ev)
	out := a
	out.Command = Render(a.Command, ctx)
	out.URL = Render(a.URL, ctx)
	out.Body = Render(a.Body, ctx)
	out.Channel = Render(a.Channel, ctx)
	out.Message = Render(a.Message, ctx)
	out.AgentPrompt = Render(a.AgentPrompt, ctx)
	return out
}

// lookup resolves a dotted path against nested string-keyed maps.
func lookup(ctx map[string]interface{}, expr string) (interface{}, bool) {
	parts := strings.Split(expr, ".")
	var current interface{} = ctx
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, false
		}
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		default:
			return nil, false
		}
	}
	return current, true
}
