package mcp

import (
	"context"
	"fmt"

	"browsernerd-resolver/internal/browser"
)

// LaunchBrowserTool connects to or launches Chrome.
type LaunchBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start (or attach to) the Chrome instance used for target resolution.

CALL THIS FIRST before creating sessions.

WHAT IT DOES:
- Attaches to browser.debugger_url when configured, otherwise launches Chrome
- Applies the configured headless mode and viewport to new sessions
- Idempotent: safe to call if already running

TYPICAL WORKFLOW:
1. launch-browser   -> Chrome is ready
2. create-session   -> Open a tab, DOM index starts tracking epochs
3. resolve-target / run-plan
4. shutdown-browser -> Cleanup (optional)

Returns: {status: "started"|"already_connected", control_url}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions.IsConnected() {
		return map[string]interface{}{
			"status":      "already_connected",
			"control_url": t.sessions.ControlURL(),
		}, nil
	}

	if err := t.sessions.Start(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "started",
		"control_url": t.sessions.ControlURL(),
	}, nil
}

// ShutdownBrowserTool stops every run, closes every session and the browser.
type ShutdownBrowserTool struct {
	server *Server
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Stop the Chrome browser and clean up all sessions.

WHAT IT DOES:
- Stops any plan still running (at its next step boundary)
- Closes all tracked sessions and terminates Chrome
- Keeps learned patterns, site profiles and recorded outcome facts

Use this when you're done with browser automation.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	t.server.dropAllEngines()
	if err := t.server.sessions.Shutdown(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": "stopped",
	}, nil
}

// ListSessionsTool lists tracked sessions.
type ListSessionsTool struct {
	sessions *browser.SessionManager
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List all browser sessions, oldest first.

USE THIS FIRST to discover existing sessions before creating new ones.
Returns session IDs needed by resolve-target, run-plan and the index tools.

Sessions restored from the session store after a restart are listed with
status "detached" until re-attached with attach-session.

Returns: {sessions: [{id, target_id, url, status, created_at, last_active}]}`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"sessions": t.sessions.List()}, nil
}

// CreateSessionTool opens a new tracked page.
type CreateSessionTool struct {
	sessions *browser.SessionManager
}

func (t *CreateSessionTool) Name() string { return "create-session" }
func (t *CreateSessionTool) Description() string {
	return `Open a new browser session (incognito tab) and start tracking its DOM.

PREREQUISITE: Browser must be running (use launch-browser first if needed).

WHAT IT DOES:
- Opens the tab and navigates to the optional URL
- Starts epoch tracking: every navigation and every large DOM mutation burst
  advances the epoch, which discards stale element handles and speculative work

Returns: {session: {id, url, status}} - Use the ID for subsequent tool calls.`
}
func (t *CreateSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Optional URL to navigate after opening the session",
			},
		},
	}
}
func (t *CreateSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" {
		url = "about:blank"
	}

	sess, err := t.sessions.CreateSession(ctx, url)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"session": sess}, nil
}

// AttachSessionTool tracks an existing Chrome target.
type AttachSessionTool struct {
	sessions *browser.SessionManager
}

func (t *AttachSessionTool) Name() string { return "attach-session" }
func (t *AttachSessionTool) Description() string {
	return `Attach to an existing Chrome tab by its CDP TargetID.

USE INSTEAD OF create-session when:
- Connecting to a manually opened browser tab
- Resuming resolution on a page left open by an earlier server run

HOW TO GET target_id:
- From list-sessions (target_id of a detached session)
- From chrome://inspect

Returns: {session: {id, url, status}} for use with other tools.`
}
func (t *AttachSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target_id": map[string]interface{}{
				"type":        "string",
				"description": "CDP TargetID to attach",
			},
		},
		"required": []string{"target_id"},
	}
}
func (t *AttachSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	targetID := getStringArg(args, "target_id")
	if targetID == "" {
		return nil, fmt.Errorf("target_id is required")
	}

	sess, err := t.sessions.Attach(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session": sess}, nil
}

// CloseSessionTool stops a session's engine and closes its page.
type CloseSessionTool struct {
	server *Server
}

func (t *CloseSessionTool) Name() string { return "close-session" }
func (t *CloseSessionTool) Description() string {
	return `Close one browser session.

Any plan running on the session is stopped first. Learned patterns for the
session's site survive and are reused by later sessions.

Returns: {session_id, status: "closed"}`
}
func (t *CloseSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to close",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *CloseSessionTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	t.server.dropEngine(sessionID)
	if err := t.server.sessions.CloseSession(sessionID); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"session_id": sessionID,
		"status":     "closed",
	}, nil
}
