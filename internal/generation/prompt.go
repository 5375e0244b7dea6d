package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// Literal braces are doubled because the template uses FString formatting.
const systemTemplate = `You are a travel planner that answers ONLY with a single JSON object.
The object must match this shape exactly:
{{
  "title": string,
  "summary": string,
  "days": [
    {{
      "day": integer starting at 1,
      "theme": string,
      "activities": [
        {{"time": "HH:MM or morning|midday|afternoon|evening", "name": string, "location": string, "description": string, "category": string}}
      ]
    }}
  ],
  "tips": [string]
}}
Every day needs at least one activity. Do not wrap the object in markdown and do not add commentary.`

const userTemplate = `Traveller request:
{request}

Reference itinerary to adapt (structure and tone, not content to copy verbatim):
{sample}

Weather: {weather}
Crowds and traffic: {peak_hours}
Constraints: {additional}`

func newChatTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(systemTemplate),
		schema.UserMessage(userTemplate),
	)
}

func (e *Engine) buildMessages(ctx context.Context, req Request) ([]*schema.Message, error) {
	sample := "none provided"
	if len(req.SampleItinerary) > 0 {
		if s, err := marshalString(req.SampleItinerary); err == nil {
			sample = s
		}
	}
	msgs, err := e.template.Format(ctx, map[string]any{
		"request":    req.Prompt,
		"sample":     sample,
		"weather":    orDefault(req.WeatherContext, "unknown"),
		"peak_hours": orDefault(req.PeakHoursContext, "no data"),
		"additional": orDefault(req.AdditionalContext, "none"),
	})
	if err != nil {
		return nil, fmt.Errorf("format prompt: %w", err)
	}
	return msgs, nil
}

// withFeedback appends the rejected answer and the validation errors so the
// model can correct itself.
func withFeedback(base []*schema.Message, previous string, errs FieldErrors) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(base)+2)
	msgs = append(msgs, base...)
	if previous != "" {
		msgs = append(msgs, schema.AssistantMessage(previous, nil))
	}
	msgs = append(msgs, schema.UserMessage(formatFeedback(errs)))
	return msgs
}

func formatFeedback(errs FieldErrors) string {
	var sb strings.Builder
	sb.WriteString("Your previous answer did not match the required JSON shape.\n\nProblems:\n")
	limit := min(len(errs), 20)
	for _, e := range errs[:limit] {
		fmt.Fprintf(&sb, "- %s\n", e.Error())
	}
	if len(errs) > limit {
		fmt.Fprintf(&sb, "- ... and %d more\n", len(errs)-limit)
	}
	sb.WriteString("\nReturn the corrected JSON object only.")
	return sb.String()
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
