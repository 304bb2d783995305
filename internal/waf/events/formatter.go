package events

import (
	"fmt"
	"strings"
	"time"
)

// TemplateFormatter formats DecisionEvent using a template string.
type TemplateFormatter struct {
	template     string
	placeholders []placeholder
}

type placeholder struct {
	raw   string // e.g., "{block_reason}"
	field string
	start int
	end   int
}

// validFields contains all known placeholder names
var validFields = map[string]bool{
	"timestamp":      true,
	"request_id":     true,
	"host":           true,
	"path":           true,
	"method":         true,
	"user_agent":     true,
	"client_ip":      true,
	"vhost_id":       true,
	"vhost_match":    true,
	"endpoint_id":    true,
	"endpoint_match": true,
	"mode":           true,
	"profile_id":     true,
	"decision":       true,
	"block_reason":   true,
	"would_block":    true,
	"skip_reason":    true,
	"score":          true,
	"flags":          true,
	"form_fields":    true,
	"content_hash":   true,
	"fingerprint":    true,
	"status_code":    true,
	"serve_time":     true,
	"exec_time":      true,
	"error_type":     true,
	"error_message":  true,
	"instance_id":    true,
}

// NewTemplateFormatter parses and validates the template.
// Returns error if any placeholder is unknown or template is empty.
func NewTemplateFormatter(template string) (*TemplateFormatter, error) {
	if template == "" {
		return nil, fmt.Errorf("template cannot be empty")
	}

	placeholders, err := parsePlaceholders(template)
	if err != nil {
		return nil, err
	}

	return &TemplateFormatter{
		template:     template,
		placeholders: placeholders,
	}, nil
}

// parsePlaceholders extracts and validates all placeholders from the template
func parsePlaceholders(template string) ([]placeholder, error) {
	var placeholders []placeholder
	i := 0

	for i < len(template) {
		start := strings.Index(template[i:], "{")
		if start == -1 {
			break
		}
		start += i

		end := strings.Index(template[start:], "}")
		if end == -1 {
			return nil, fmt.Errorf("unclosed placeholder at position %d", start)
		}
		end += start

		fieldName := template[start+1 : end]
		if fieldName == "" {
			return nil, fmt.Errorf("empty placeholder at position %d", start)
		}

		if !validFields[fieldName] {
			return nil, fmt.Errorf("unknown placeholder {%s}", fieldName)
		}

		placeholders = append(placeholders, placeholder{
			raw:   template[start : end+1],
			field: fieldName,
			start: start,
			end:   end + 1,
		})

		i = end + 1
	}

	return placeholders, nil
}

// Template returns the original template string
func (f *TemplateFormatter) Template() string {
	return f.template
}

// Format renders the event using the template
func (f *TemplateFormatter) Format(event *DecisionEvent) string {
	if len(f.placeholders) == 0 {
		return f.template
	}

	result := f.template
	// Process placeholders in reverse order to maintain correct positions
	for i := len(f.placeholders) - 1; i >= 0; i-- {
		p := f.placeholders[i]
		value := f.getFieldValue(event, p.field)
		result = result[:p.start] + value + result[p.end:]
	}

	return result
}

// getFieldValue retrieves and formats a field value from the event
func (f *TemplateFormatter) getFieldValue(event *DecisionEvent, field string) string {
	switch field {
	case "timestamp":
		return formatTime(event.CreatedAt)
	case "request_id":
		return formatString(event.RequestID)
	case "host":
		return formatString(event.Host)
	case "path":
		return formatString(event.Path)
	case "method":
		return formatString(event.Method)
	case "user_agent":
		return formatString(event.UserAgent)
	case "client_ip":
		return formatString(event.ClientIP)
	case "vhost_id":
		return formatString(event.VhostID)
	case "vhost_match":
		return formatString(event.VhostMatch)
	case "endpoint_id":
		return formatString(event.EndpointID)
	case "endpoint_match":
		return formatString(event.EndpointMatch)
	case "mode":
		return formatString(event.Mode)
	case "profile_id":
		return formatString(event.ProfileID)
	case "decision":
		return formatString(event.Decision)
	case "block_reason":
		return formatString(event.BlockReason)
	case "would_block":
		return formatList(event.WouldBlock)
	case "skip_reason":
		return formatString(event.SkipReason)
	case "score":
		return formatInt(event.Score)
	case "flags":
		return formatList(event.Flags)
	case "form_fields":
		return formatInt(event.FormFields)
	case "content_hash":
		return formatString(event.ContentHash)
	case "fingerprint":
		return formatString(event.Fingerprint)
	case "status_code":
		return formatInt(event.StatusCode)
	case "serve_time":
		return formatFloat(event.ServeTime)
	case "exec_time":
		return formatFloat(event.ExecTime)
	case "error_type":
		return formatString(event.ErrorType)
	case "error_message":
		return formatString(event.ErrorMessage)
	case "instance_id":
		return formatString(event.InstanceID)
	default:
		return "-"
	}
}

// escapeString escapes special characters in a string for log output
func escapeString(s string) string {
	escaped := strings.ReplaceAll(s, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	escaped = strings.ReplaceAll(escaped, "\n", "\\n")
	escaped = strings.ReplaceAll(escaped, "\t", "\\t")
	escaped = strings.ReplaceAll(escaped, "\r", "\\r")
	return escaped
}

// formatString formats a string value with quotes and escaping
func formatString(s string) string {
	if s == "" {
		return "-"
	}
	return "\"" + escapeString(s) + "\""
}

// formatList formats a string slice as a comma-joined quoted value
func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return "\"" + escapeString(strings.Join(items, ",")) + "\""
}

// formatInt formats an integer
func formatInt(i int) string {
	return fmt.Sprintf("%d", i)
}

// formatFloat formats a float64 with 3 decimal places
func formatFloat(f float64) string {
	return fmt.Sprintf("%.3f", f)
}

// formatTime formats a time in ISO 8601 format
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
