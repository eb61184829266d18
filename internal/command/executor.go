// Package command provides a text command system for the printer service.
// The HTTP /command endpoint, the websocket and the dashboard input line all
// go through the same Executor.
package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/thereceipt/printlink/internal/printer"
	"github.com/thereceipt/printlink/internal/registry"
)

// Executor executes commands
type Executor struct {
	manager  *printer.Manager
	queue    *printer.PrintQueue
	registry *registry.Registry
}

// NewExecutor creates a new command executor
func NewExecutor(manager *printer.Manager, queue *printer.PrintQueue, reg *registry.Registry) *Executor {
	return &Executor{
		manager:  manager,
		queue:    queue,
		registry: reg,
	}
}

// Result represents the result of executing a command
type Result struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Kind    string                 `json:"kind,omitempty"`

	// Err is the underlying failure, for callers that map it to a status.
	Err error `json:"-"`
}

func failure(err error) *Result {
	return &Result{
		Success: false,
		Error:   err.Error(),
		Kind:    printer.ErrorKind(err),
		Err:     err,
	}
}

func usage(text string) *Result {
	return &Result{Success: false, Error: "usage: " + text}
}

type handler func(e *Executor, ctx context.Context, args []string) *Result

var handlers = map[string]handler{
	"search":    (*Executor).handleSearch,
	"reconnect": (*Executor).handleReconnect,
	"reset":     (*Executor).handleReset,
	"status":    (*Executor).handleStatus,
	"queue":     (*Executor).handleQueue,
	"idle":      (*Executor).handleIdle,
	"devices":   (*Executor).handleDevices,
	"print":     (*Executor).handlePrint,
	"test":      (*Executor).handleTest,
	"name":      (*Executor).handleName,
	"job":       (*Executor).handleJob,
	"help":      (*Executor).handleHelp,
}

// Execute executes a command string and returns a result
func (e *Executor) Execute(ctx context.Context, cmdStr string) *Result {
	parts := parseCommand(cmdStr)
	if len(parts) == 0 {
		return &Result{
			Success: false,
			Error:   "empty command",
		}
	}

	h, ok := handlers[strings.ToLower(parts[0])]
	if !ok {
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("unknown command: %s. Type 'help' for available commands", parts[0]),
		}
	}
	return h(e, ctx, parts[1:])
}

// parseCommand parses a command string into parts, handling quoted strings
func parseCommand(cmdStr string) []string {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return []string{}
	}

	var parts []string
	var current strings.Builder
	inQuotes := false
	quoteChar := byte(0)

	for i := 0; i < len(cmdStr); i++ {
		char := cmdStr[i]

		if char == '"' || char == '\'' {
			if !inQuotes {
				inQuotes = true
				quoteChar = char
			} else if char == quoteChar {
				inQuotes = false
				quoteChar = 0
			} else {
				current.WriteByte(char)
			}
		} else if char == ' ' && !inQuotes {
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		} else {
			current.WriteByte(char)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}
