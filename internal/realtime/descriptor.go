package realtime

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"
	DefaultVoice = "verse"
)

var ErrMissingModel = errors.New("model is required")

// Descriptor is the client-supplied configuration for a realtime session.
type Descriptor struct {
	Model        string `json:"model"`
	Voice        string `json:"voice,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// descriptorWire accepts both system_prompt and instructions.
type descriptorWire struct {
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	SystemPrompt string `json:"system_prompt"`
	Instructions string `json:"instructions"`
}

// ParseDescriptor decodes a descriptor frame. It does not apply defaults.
func ParseDescriptor(raw []byte) (Descriptor, error) {
	var w descriptorWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{
		Model:        strings.TrimSpace(w.Model),
		Voice:        strings.TrimSpace(w.Voice),
		SystemPrompt: strings.TrimSpace(w.SystemPrompt),
	}
	if d.SystemPrompt == "" {
		d.SystemPrompt = strings.TrimSpace(w.Instructions)
	}
	return d, nil
}

// Validate checks the fields required to open a relay.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Model) == "" {
		return ErrMissingModel
	}
	return nil
}

// WithDefaults fills empty model and voice.
func (d Descriptor) WithDefaults(model, voice string) Descriptor {
	if strings.TrimSpace(d.Model) == "" {
		d.Model = model
	}
	if strings.TrimSpace(d.Voice) == "" {
		d.Voice = voice
	}
	return d
}

// Credential is a short-lived secret for direct client-to-provider sessions.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the credential is no longer usable at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}
