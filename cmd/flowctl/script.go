package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/core"
	"gopkg.in/yaml.v3"
)

// Script is a sequence of client requests replayed through the session
// manager.
type Script struct {
	Steps []Step `json:"steps" yaml:"steps"`
}

// Step is one request. Instance and cursor keys may name an alias set by an
// earlier create step through As.
type Step struct {
	Op          string           `json:"op" yaml:"op"`
	Session     string           `json:"session,omitempty" yaml:"session,omitempty"`
	Key         string           `json:"key,omitempty" yaml:"key,omitempty"`
	As          string           `json:"as,omitempty" yaml:"as,omitempty"`
	Capability  string           `json:"capability,omitempty" yaml:"capability,omitempty"`
	Parent      string           `json:"parent,omitempty" yaml:"parent,omitempty"`
	Entities    map[string]any   `json:"entities,omitempty" yaml:"entities,omitempty"`
	Permissions []string         `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Instance    string           `json:"instance,omitempty" yaml:"instance,omitempty"`
	Event       string           `json:"event,omitempty" yaml:"event,omitempty"`
	Payload     map[string]any   `json:"payload,omitempty" yaml:"payload,omitempty"`
	Patch       map[string]any   `json:"patch,omitempty" yaml:"patch,omitempty"`
	Reason      string           `json:"reason,omitempty" yaml:"reason,omitempty"`
	Cursors     map[string]int64 `json:"cursors,omitempty" yaml:"cursors,omitempty"`
	Seq         int64            `json:"seq,omitempty" yaml:"seq,omitempty"`
}

// StepOutcome is printed for every step.
type StepOutcome struct {
	Step     int                       `json:"step"`
	Op       string                    `json:"op"`
	Session  string                    `json:"session"`
	Instance *core.View                `json:"instance,omitempty"`
	Messages []orchestrator.Message    `json:"messages,omitempty"`
	Error    *orchestrator.PublicError `json:"error,omitempty"`
}

const defaultSession = "flowctl"

func loadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script %s: %w", path, err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse script %s: %w", path, err)
	}
	if len(s.Steps) == 0 {
		return s, fmt.Errorf("script %s has no steps", path)
	}
	return s, nil
}

func runScript(ctx context.Context, rt *runtime, script Script, out io.Writer, failFast bool) error {
	enc := json.NewEncoder(out)
	aliases := make(map[string]string)
	resolve := func(ref string) string {
		if id, ok := aliases[strings.TrimSpace(ref)]; ok {
			return id
		}
		return strings.TrimSpace(ref)
	}

	for i, step := range script.Steps {
		sessionID := step.Session
		if strings.TrimSpace(sessionID) == "" {
			sessionID = defaultSession
		}
		key := step.Key
		if strings.TrimSpace(key) == "" {
			key = fmt.Sprintf("step-%d", i+1)
		}
		outcome := StepOutcome{Step: i + 1, Op: step.Op, Session: sessionID}

		var (
			res  *core.Result
			msgs []orchestrator.Message
			err  error
		)
		caller := core.Caller{Subject: sessionID, Permissions: step.Permissions}
		switch strings.ToLower(strings.TrimSpace(step.Op)) {
		case "create":
			res, err = rt.manager.Create(ctx, sessionID, key, core.CreateRequest{
				CapabilityID:     step.Capability,
				Entities:         step.Entities,
				ParentInstanceID: resolve(step.Parent),
				Caller:           caller,
			})
			if err == nil && step.As != "" {
				aliases[step.As] = res.Instance.InstanceID
			}
		case "event":
			res, err = rt.manager.ApplyEvent(ctx, sessionID, key, core.EventRequest{
				InstanceID: resolve(step.Instance),
				Event:      step.Event,
				Payload:    step.Payload,
				Caller:     caller,
			})
		case "patch":
			res, err = rt.manager.PatchRenderData(ctx, sessionID, key, core.PatchRequest{
				InstanceID: resolve(step.Instance),
				Patch:      step.Patch,
				Caller:     caller,
			})
		case "dismiss":
			res, err = rt.manager.Dismiss(ctx, sessionID, key, core.DismissRequest{
				InstanceID: resolve(step.Instance),
				Reason:     step.Reason,
				Caller:     caller,
			})
		case "ack":
			err = rt.manager.Ack(ctx, sessionID, resolve(step.Instance), step.Seq)
		case "sync":
			refs := make([]string, 0, len(step.Cursors))
			for ref := range step.Cursors {
				refs = append(refs, ref)
			}
			sort.Strings(refs)
			cursors := make([]core.Cursor, 0, len(refs))
			for _, ref := range refs {
				cursors = append(cursors, core.Cursor{InstanceID: resolve(ref), LastSeenSeq: step.Cursors[ref]})
			}
			msgs, err = rt.manager.Sync(ctx, sessionID, cursors)
		default:
			return fmt.Errorf("step %d: unknown op %q", i+1, step.Op)
		}

		if res != nil {
			view := res.Instance
			outcome.Instance = &view
			outcome.Messages = res.Messages
		}
		if msgs != nil {
			outcome.Messages = msgs
		}
		outcome.Error = orchestrator.Public(err)
		if encErr := enc.Encode(outcome); encErr != nil {
			return encErr
		}
		if err != nil && failFast {
			return fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
	}
	return nil
}
