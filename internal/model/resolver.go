// Package model resolves which provider/model a spawned teammate runs
// with. Resolution is a pure function over the override and the leader's
// own selection so it can be tested exhaustively.
package model

import (
	"fmt"
	"strings"
)

// Resolution sources.
const (
	SourceOverride      = "override"
	SourceInheritLeader = "inherit_leader"
	SourceDefault       = "default"
)

// Error reasons.
const (
	ReasonInvalidOverride    = "invalid_override"
	ReasonDeprecatedOverride = "deprecated_override"
)

// deprecatedMarkers list model-id fragments that are retired. A marker
// only matches when it is not immediately followed by one of
// allowedExtensions, so "claude-sonnet-4-5" stays valid while
// "claude-sonnet-4" is rejected.
var deprecatedMarkers = []string{
	"claude-sonnet-4",
	"claude-opus-4",
	"claude-haiku-4",
	"gpt-4o",
}

var allowedExtensions = []string{"-5", ".5", "-6", ".6"}

// Input is what the resolver sees at spawn time.
type Input struct {
	// ModelOverride is the user-supplied --model spec: "provider/model"
	// or a bare model id.
	ModelOverride string
	// LeaderProvider / LeaderModelID describe the leader's own model.
	LeaderProvider string
	LeaderModelID  string
}

// Resolution is the outcome of a successful resolve.
type Resolution struct {
	Source   string
	Provider string
	ModelID  string
	Warnings []string
}

// ResolveError reports why an override was refused.
type ResolveError struct {
	Reason string
	Detail string
}

func (e *ResolveError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// IsDeprecated reports whether modelID matches a deprecated marker that
// is not rescued by an allow-listed extension.
func IsDeprecated(modelID string) bool {
	id := strings.ToLower(strings.TrimSpace(modelID))
	for _, marker := range deprecatedMarkers {
		idx := 0
		for {
			at := strings.Index(id[idx:], marker)
			if at < 0 {
				break
			}
			rest := id[idx+at+len(marker):]
			rescued := false
			for _, ext := range allowedExtensions {
				if strings.HasPrefix(rest, ext) {
					rescued = true
					break
				}
			}
			if !rescued {
				return true
			}
			idx += at + len(marker)
		}
	}
	return false
}

// Resolve picks the teammate's model. Outcomes are exactly: a Resolution
// with source override / inherit_leader / default, or a ResolveError with
// reason invalid_override / deprecated_override.
func Resolve(in Input) (Resolution, error) {
	override := strings.TrimSpace(in.ModelOverride)
	if override != "" {
		if strings.Contains(override, "/") {
			provider, modelID, _ := strings.Cut(override, "/")
			if provider == "" || modelID == "" {
				return Resolution{}, &ResolveError{Reason: ReasonInvalidOverride, Detail: override}
			}
			if IsDeprecated(modelID) {
				return Resolution{}, &ResolveError{Reason: ReasonDeprecatedOverride, Detail: modelID}
			}
			return Resolution{Source: SourceOverride, Provider: provider, ModelID: modelID, Warnings: []string{}}, nil
		}
		if IsDeprecated(override) {
			return Resolution{}, &ResolveError{Reason: ReasonDeprecatedOverride, Detail: override}
		}
		res := Resolution{Source: SourceOverride, ModelID: override, Warnings: []string{}}
		if in.LeaderProvider == "" {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("no provider known for model %q; the runtime default applies", override))
		} else {
			res.Provider = in.LeaderProvider
		}
		return res, nil
	}
	if in.LeaderModelID != "" && !IsDeprecated(in.LeaderModelID) {
		return Resolution{
			Source:   SourceInheritLeader,
			Provider: in.LeaderProvider,
			ModelID:  in.LeaderModelID,
			Warnings: []string{},
		}, nil
	}
	return Resolution{Source: SourceDefault, Warnings: []string{}}, nil
}

// Thinking levels accepted on spawn.
var thinkingLevels = map[string]bool{
	"off": true, "low": true, "medium": true, "high": true,
}

// NormalizeThinking validates and lowercases a thinking level. Empty
// input stays empty (runtime default).
func NormalizeThinking(level string) (string, bool) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return "", true
	}
	return level, thinkingLevels[level]
}
