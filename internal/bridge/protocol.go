package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/leandrotocalini/consensus/internal/pipeline"
	"github.com/leandrotocalini/consensus/internal/prompt"
)

// Client frame types.
const (
	frameStart         = "start"
	frameCancel        = "cancel"
	frameUpdateProfile = "update_profile"
	frameApproveBudget = "approve_budget"
)

// Server-only frame types. Pipeline events use their own type names.
const (
	frameAccepted     = "accepted"
	frameCommandError = "command_error"
)

// inbound is a command frame from the client.
type inbound struct {
	Type     string         `json:"type"`
	ID       string         `json:"id,omitempty"`
	Query    string         `json:"query,omitempty"`
	Profile  string         `json:"profile,omitempty"`
	Context  []wireFragment `json:"context,omitempty"`
	Approved bool           `json:"approved,omitempty"`
}

// wireFragment names the layer kind instead of numbering it.
type wireFragment struct {
	Kind   string  `json:"kind"`
	Text   string  `json:"text"`
	Weight float64 `json:"weight,omitempty"`
	Source string  `json:"source,omitempty"`
}

// command converts a frame to a pipeline command.
func (f inbound) command() (pipeline.Command, error) {
	switch f.Type {
	case frameStart:
		frags := make([]prompt.Fragment, 0, len(f.Context))
		for i, wf := range f.Context {
			kind, ok := prompt.ParseLayerKind(wf.Kind)
			if !ok {
				return nil, fmt.Errorf("context[%d]: unknown kind %q", i, wf.Kind)
			}
			frags = append(frags, prompt.Fragment{Kind: kind, Text: wf.Text, Weight: wf.Weight, Source: wf.Source})
		}
		return pipeline.Start{Request: pipeline.Request{
			ID:        f.ID,
			Query:     f.Query,
			Profile:   f.Profile,
			Fragments: frags,
		}}, nil
	case frameCancel:
		return pipeline.Cancel{}, nil
	case frameUpdateProfile:
		if f.Profile == "" {
			return nil, fmt.Errorf("update_profile needs a profile")
		}
		return pipeline.UpdateProfile{Profile: f.Profile}, nil
	case frameApproveBudget:
		return pipeline.ApproveBudget{Approved: f.Approved}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

// encodeEvent renders ev as a flat JSON object with a "type" field. Error
// events also carry "message".
func encodeEvent(ev pipeline.Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", ev.Type(), err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s event: %w", ev.Type(), err)
	}
	fields["type"] = ev.Type()
	if f, ok := ev.(pipeline.Failed); ok {
		fields["message"] = f.Reason
	}
	return json.Marshal(fields)
}

// outbound is a server frame that is not a pipeline event.
type outbound struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Session string `json:"session,omitempty"`
	Message string `json:"message,omitempty"`
}
