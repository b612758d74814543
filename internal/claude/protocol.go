package claude

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// streamMessage is one line of the CLI's stream-json output.
type streamMessage struct {
	Type      string `json:"type"`    // "system", "assistant", "user", "result", "stream_event", "control_request", "control_response"
	Subtype   string `json:"subtype"` // "init", "success", "error_during_execution", ...
	SessionID string `json:"session_id,omitempty"`

	// system/init
	Model string   `json:"model,omitempty"`
	Cwd   string   `json:"cwd,omitempty"`
	Tools []string `json:"tools,omitempty"`

	// Non-empty when the message comes from a subagent.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	Message struct {
		ID      string         `json:"id,omitempty"`
		Model   string         `json:"model,omitempty"`
		Content []contentBlock `json:"content"`
	} `json:"message"`

	// stream_event (with --include-partial-messages)
	Event *streamEvent `json:"event,omitempty"`

	// result
	Result       string   `json:"result,omitempty"`
	IsError      bool     `json:"is_error,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	DurationMs   int64    `json:"duration_ms,omitempty"`
	TotalCostUSD float64  `json:"total_cost_usd,omitempty"`

	// control_request
	RequestID string          `json:"request_id,omitempty"`
	Request   *controlRequest `json:"request,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"` // "text", "tool_use", "tool_result"
	ID        string          `json:"id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // string or array of text blocks
	IsError   bool            `json:"is_error,omitempty"`
}

type streamEvent struct {
	Type  string `json:"type"` // "content_block_delta", ...
	Delta struct {
		Type string `json:"type"` // "text_delta", "input_json_delta"
		Text string `json:"text,omitempty"`
	} `json:"delta"`
}

type controlRequest struct {
	Subtype   string          `json:"subtype"` // "can_use_tool", "interrupt", ...
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

func parseLine(line string) (*streamMessage, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	return &msg, nil
}

// toolResultText flattens a tool_result content field to text.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			switch b.Type {
			case "text":
				parts = append(parts, b.Text)
			case "image":
				parts = append(parts, "[Image]")
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// resultError picks the error text of a failed result message.
func resultError(msg *streamMessage) string {
	if len(msg.Errors) > 0 {
		return strings.Join(msg.Errors, "; ")
	}
	if msg.Result != "" {
		return msg.Result
	}
	return msg.Subtype
}

func (m *streamMessage) failed() bool {
	return m.IsError || strings.Contains(m.Subtype, "error")
}

// Input messages written to the CLI's stdin.

type inputContent struct {
	Type   string       `json:"type"` // "text", "image"
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`       // "base64"
	MediaType string `json:"media_type"` // "image/png", ...
	Data      string `json:"data"`
}

type userInput struct {
	Type    string `json:"type"` // "user"
	Message struct {
		Role    string         `json:"role"`
		Content []inputContent `json:"content"`
	} `json:"message"`
}

// userMessage builds the stdin line for a prompt. Images that are not valid
// base64 data URLs are skipped and returned as the second value.
func userMessage(prompt string, images []string) ([]byte, []string) {
	var in userInput
	in.Type = "user"
	in.Message.Role = "user"

	var skipped []string
	for _, img := range images {
		src, ok := parseDataURL(img)
		if !ok {
			skipped = append(skipped, img)
			continue
		}
		in.Message.Content = append(in.Message.Content, inputContent{Type: "image", Source: src})
	}
	in.Message.Content = append(in.Message.Content, inputContent{Type: "text", Text: prompt})

	data, _ := json.Marshal(in)
	return data, skipped
}

func parseDataURL(s string) (*imageSource, bool) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, false
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, false
	}
	mediaType, ok := strings.CutSuffix(meta, ";base64")
	if !ok || !strings.HasPrefix(mediaType, "image/") {
		return nil, false
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return nil, false
	}
	return &imageSource{Type: "base64", MediaType: mediaType, Data: data}, true
}

type controlResponse struct {
	Type     string `json:"type"` // "control_response"
	Response struct {
		Subtype   string `json:"subtype"` // "success" or "error"
		RequestID string `json:"request_id"`
		Response  any    `json:"response,omitempty"`
		Error     string `json:"error,omitempty"`
	} `json:"response"`
}

type permissionResult struct {
	Behavior     string          `json:"behavior"` // "allow" or "deny"
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func allowResponse(requestID string, input json.RawMessage) []byte {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return successResponse(requestID, permissionResult{Behavior: "allow", UpdatedInput: input})
}

func denyResponse(requestID, message string) []byte {
	return successResponse(requestID, permissionResult{Behavior: "deny", Message: message})
}

func successResponse(requestID string, body any) []byte {
	var r controlResponse
	r.Type = "control_response"
	r.Response.Subtype = "success"
	r.Response.RequestID = requestID
	r.Response.Response = body
	data, _ := json.Marshal(r)
	return data
}

func errorResponse(requestID, msg string) []byte {
	var r controlResponse
	r.Type = "control_response"
	r.Response.Subtype = "error"
	r.Response.RequestID = requestID
	r.Response.Error = msg
	data, _ := json.Marshal(r)
	return data
}

func interruptRequest(requestID string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request":    map[string]string{"subtype": "interrupt"},
	})
	return data
}

// answerInput adds the human's answer to an AskUserQuestion input, keyed by
// each question's text.
func answerInput(input json.RawMessage, answer string) json.RawMessage {
	fields := map[string]json.RawMessage{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &fields); err != nil {
			fields = map[string]json.RawMessage{}
		}
	}
	var questions []struct {
		Question string `json:"question"`
	}
	if q, ok := fields["questions"]; ok {
		_ = json.Unmarshal(q, &questions)
	}
	answers := map[string]string{}
	for _, q := range questions {
		answers[q.Question] = answer
	}
	if len(answers) == 0 {
		answers["answer"] = answer
	}
	data, _ := json.Marshal(answers)
	fields["answers"] = data
	out, _ := json.Marshal(fields)
	return out
}
