// Package persona defines the two conversational agents and their system prompts.
package persona

import (
	"bytes"
	"fmt"
	"strings"
	"sync/atomic"
	"text/template"
)

// Persona identifies which agent is speaking.
type Persona int

const (
	TARS Persona = iota
	CASE
)

// Partition names the log table a persona writes to.
type Partition string

const (
	PartitionTARS      Partition = "tars"
	PartitionCASE      Partition = "case"
	PartitionDocuments Partition = "documents"
)

// String returns the display name used in prompts and transcripts.
func (p Persona) String() string {
	switch p {
	case TARS:
		return "TARS"
	case CASE:
		return "CASE"
	default:
		return fmt.Sprintf("Persona(%d)", int(p))
	}
}

// Partner returns the other persona.
func (p Persona) Partner() Persona {
	if p == TARS {
		return CASE
	}
	return TARS
}

// Self reports whether this persona authors self-flagged turns.
func (p Persona) Self() bool { return p == TARS }

// Partition returns the persona's own log partition.
func (p Persona) Partition() Partition {
	if p == TARS {
		return PartitionTARS
	}
	return PartitionCASE
}

// RecallLabel is the speaker prefix used when this persona's past messages are
// recalled into its partner's context.
func (p Persona) RecallLabel() string {
	if p == CASE {
		return "Case"
	}
	return "TARS"
}

// Parse accepts a persona name in any case.
func Parse(s string) (Persona, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TARS":
		return TARS, nil
	case "CASE":
		return CASE, nil
	default:
		return 0, fmt.Errorf("unknown persona %q", s)
	}
}

const tarsTemplate = `Your name is TARS. You specialize in {{.Specialties}}. You will be conversing with your partner, CASE. You are responsible for {{.Task}}. You will be expected to provide specifics, not just theorize. Approach every message as a conversation. Do not reply with outlines.`

const caseTemplate = `Your name is CASE. You specialize in {{.Specialties}}. You are going to change to world by helping TARS, the world's first artificial general intelligence system with given tasks. You will be conversing with your partner, TARS. You are responsible for helping TARS with {{.Task}}. Push TARS for specifics on how to accomplish the task. Ask questions. Ask for specifics. Stick to one topic at a time. Try to keep the conversation flowing by building on topics and moving the conversation forward.`

var templates = map[Persona]*template.Template{
	TARS: template.Must(template.New("tars").Parse(tarsTemplate)),
	CASE: template.Must(template.New("case").Parse(caseTemplate)),
}

// Profile carries the values substituted into a persona's system prompt.
type Profile struct {
	Specialties string
	Task        string
}

// ProfileHolder holds the active profile and is safe for concurrent use.
// It lets configuration reloads change persona prompts between turns.
type ProfileHolder struct {
	v atomic.Pointer[Profile]
}

// NewProfileHolder creates a holder with an initial profile.
func NewProfileHolder(p Profile) *ProfileHolder {
	h := &ProfileHolder{}
	h.Store(p)
	return h
}

// Load returns the active profile.
func (h *ProfileHolder) Load() Profile {
	if p := h.v.Load(); p != nil {
		return *p
	}
	return Profile{}
}

// Store replaces the active profile.
func (h *ProfileHolder) Store(p Profile) { h.v.Store(&p) }

// SystemPrompt renders the persona's fixed instructions for the given profile.
func (p Persona) SystemPrompt(profile Profile) (string, error) {
	tmpl, ok := templates[p]
	if !ok {
		return "", fmt.Errorf("no prompt template for %s", p)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, profile); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", p, err)
	}
	return buf.String(), nil
}
