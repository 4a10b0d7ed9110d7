package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Profile describes the assistant persona spoken to the devices
type Profile struct {
	SystemPrompt   string            `yaml:"system_prompt"`
	SleepMarker    string            `yaml:"sleep_marker"`
	SleepPrompt    string            `yaml:"sleep_instruction"`
	StandbyPrompt  string            `yaml:"standby_prompt"`
	DefaultEmotion string            `yaml:"default_emotion"`
	Emotions       map[string]string `yaml:"emotions"` // emoji -> emotion name
}

// DefaultProfile returns the built-in persona
func DefaultProfile() *Profile {
	return &Profile{
		SystemPrompt: "You are a friendly voice assistant running on a small speaker. " +
			"Keep answers short and conversational.",
		SleepMarker: "[SLEEP]",
		SleepPrompt: "If the user indicates they want you to sleep, stop, or shut up, " +
			"politely reply that you are taking a break and append the [SLEEP] tag to the end of your response.",
		StandbyPrompt:  "Are you still there? I'll take a rest now.",
		DefaultEmotion: "happy",
		Emotions: map[string]string{
			"😂": "happy",
			"😊": "happy",
			"😄": "happy",
			"😭": "sad",
			"😢": "sad",
			"😡": "angry",
			"😠": "angry",
			"😮": "surprised",
			"🤔": "thinking",
		},
	}
}

// LoadProfile reads a YAML persona file. Missing fields keep their defaults.
// An empty path returns DefaultProfile.
func LoadProfile(path string) (*Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var override Profile
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}

	if override.SystemPrompt != "" {
		p.SystemPrompt = override.SystemPrompt
	}
	if override.SleepMarker != "" {
		p.SleepMarker = override.SleepMarker
	}
	if override.SleepPrompt != "" {
		p.SleepPrompt = override.SleepPrompt
	}
	if override.StandbyPrompt != "" {
		p.StandbyPrompt = override.StandbyPrompt
	}
	if override.DefaultEmotion != "" {
		p.DefaultEmotion = override.DefaultEmotion
	}
	for emoji, emotion := range override.Emotions {
		p.Emotions[emoji] = emotion
	}

	return p, nil
}

// Instructions returns the system prompt sent to the language model
func (p *Profile) Instructions() string {
	if p.SleepPrompt == "" {
		return p.SystemPrompt
	}
	if p.SystemPrompt == "" {
		return p.SleepPrompt
	}
	return p.SystemPrompt + "\n\n" + p.SleepPrompt
}
