package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/thereceipt/printlink/pkg/receiptformat"
)

// receiptFromArgs builds a receipt from "-f <path>" or "--compose <commands...>".
func receiptFromArgs(args []string) (*receiptformat.Receipt, error) {
	switch args[0] {
	case "-f":
		if len(args) != 2 {
			return nil, fmt.Errorf("usage: print -f <receipt.json>")
		}
		return receiptformat.ParseFile(args[1])
	case "--compose":
		return composeReceipt(args[1:])
	}
	return nil, fmt.Errorf("unknown print flag %q", args[0])
}

// composeReceipt parses compose arguments into a receipt. Each command starts
// with its type ("text:Hello", "feed:2", "cut") and may be followed by
// properties ("size:2", "align:center").
func composeReceipt(composeArgs []string) (*receiptformat.Receipt, error) {
	if len(composeArgs) == 0 {
		return nil, fmt.Errorf("no compose arguments provided")
	}

	commands := []map[string]interface{}{}
	var currentCmd map[string]interface{}

	for _, arg := range composeArgs {
		if isCommandStart(arg) {
			if currentCmd != nil {
				commands = append(commands, currentCmd)
			}
			var err error
			currentCmd, err = parseComposeCommandStart(arg)
			if err != nil {
				return nil, fmt.Errorf("failed to parse command '%s': %w", arg, err)
			}
		} else if currentCmd != nil {
			if err := parseCommandProperty(currentCmd, arg); err != nil {
				return nil, fmt.Errorf("failed to parse property '%s': %w", arg, err)
			}
		} else {
			return nil, fmt.Errorf("unexpected argument '%s' (expected command start)", arg)
		}
	}
	if currentCmd != nil {
		commands = append(commands, currentCmd)
	}

	// Round trip through the payload format so the server's validation runs here too
	data, err := json.Marshal(map[string]interface{}{
		"version":  receiptformat.Version,
		"commands": commands,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode receipt: %w", err)
	}
	return receiptformat.Parse(data)
}

var composeCommands = []string{
	receiptformat.TypeText,
	receiptformat.TypeTitle,
	receiptformat.TypeHeader,
	receiptformat.TypeEmphasis,
	receiptformat.TypeFeed,
	receiptformat.TypeDivider,
	receiptformat.TypeBarcode,
	receiptformat.TypeQRCode,
	receiptformat.TypeDrawer,
	receiptformat.TypeCut,
}

// isCommandStart checks if an argument starts a new command
func isCommandStart(arg string) bool {
	for _, cmd := range composeCommands {
		if arg == cmd || strings.HasPrefix(arg, cmd+":") {
			return true
		}
	}
	return false
}

// parseComposeCommandStart parses the start of a command (type and first value)
func parseComposeCommandStart(arg string) (map[string]interface{}, error) {
	cmd := make(map[string]interface{})
	cmdType, firstValue, hasValue := strings.Cut(arg, ":")
	cmd["type"] = cmdType
	if !hasValue {
		return cmd, nil
	}

	switch cmdType {
	case receiptformat.TypeFeed:
		lines, err := strconv.Atoi(firstValue)
		if err != nil {
			return nil, fmt.Errorf("invalid feed lines value: %s", firstValue)
		}
		cmd["lines"] = lines
	case receiptformat.TypeDivider:
		cmd["char"] = strings.Trim(firstValue, `"'`)
	default:
		cmd["value"] = strings.Trim(firstValue, `"'`)
	}
	return cmd, nil
}

// parseCommandProperty parses a property argument and adds it to the command
func parseCommandProperty(cmd map[string]interface{}, arg string) error {
	propName, propValue, ok := strings.Cut(arg, ":")
	if !ok {
		return fmt.Errorf("property must be in format 'name:value', got: %s", arg)
	}

	if intVal, err := strconv.Atoi(propValue); err == nil {
		cmd[propName] = intVal
	} else if boolVal, err := strconv.ParseBool(propValue); err == nil {
		cmd[propName] = boolVal
	} else {
		cmd[propName] = strings.Trim(propValue, `"'`)
	}
	return nil
}
