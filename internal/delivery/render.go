package delivery

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/zentra/beacon/internal/condition"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z0-9_.]+)\s*\}\}`)

// RenderContext carries the values a template may reference.
type RenderContext struct {
	Payload   map[string]any
	Trigger   *uuid.UUID
	Recipient uuid.UUID
	EventCode string
}

// Render substitutes {{data.<path>}}, {{user.id}} (the recipient),
// {{recipient.id}}, {{trigger.id}} and {{event.code}}. Placeholders that do
// not resolve are left as written.
func Render(tmpl string, rc RenderContext) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		parts := placeholder.FindStringSubmatch(match)
		scope, field := parts[1], parts[2]

		switch scope {
		case "data":
			if v, ok := condition.Lookup(rc.Payload, field); ok && v != nil {
				return stringify(v)
			}
		case "user", "recipient":
			if field == "id" && rc.Recipient != uuid.Nil {
				return rc.Recipient.String()
			}
		case "trigger":
			if field == "id" && rc.Trigger != nil {
				return rc.Trigger.String()
			}
		case "event":
			if field == "code" && rc.EventCode != "" {
				return rc.EventCode
			}
		}
		return match
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		// Decoded JSON numbers; never exponent form.
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}
