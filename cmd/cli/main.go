package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/thereceipt/printlink/pkg/receiptformat"
)

const (
	defaultServerURL = "http://localhost:12212"
)

var httpClient = &http.Client{Timeout: 90 * time.Second}

func main() {
	var serverURL string
	flag.StringVar(&serverURL, "server", defaultServerURL, "Server URL")
	flag.StringVar(&serverURL, "s", defaultServerURL, "Server URL (short)")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() == 0 {
		printUsage()
		os.Exit(1)
	}

	args := flag.Args()

	var result *CommandResult
	switch {
	case args[0] == "watch":
		if err := runWatch(serverURL); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	case args[0] == "print" && len(args) >= 2 && (args[1] == "--compose" || args[1] == "-f"):
		receipt, err := receiptFromArgs(args[1:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		result = printReceipt(serverURL, receipt)
	default:
		result = executeCommand(serverURL, strings.Join(args, " "))
	}

	if result.Success {
		printSuccess(os.Stdout, result)
		os.Exit(0)
	}
	printError(result)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `printlink CLI

Usage:
  printlink-cli [flags] <command>

Flags:
  -s, -server <url>    Server URL (default: %s)

Commands:
  search                        Find a printer and connect to it
  reconnect                     Reconnect the last printer
  reset                         Clear permissions and the saved printer
  status                        Show the connection state
  devices                       List visible printers
  name <id> <name>              Set a custom printer name
  queue [size]                  Show or set the outstanding job count
  idle                          Release the printer if nothing is queued
  test                          Print a test page
  job <id>                      Show a print job
  print <text>                  Queue a text receipt (\n splits lines)

  print -f <receipt.json>       Queue a receipt file
  print --compose <commands...> Compose and queue a receipt
    Compose commands:
      text:"Hello World"              - Text line
      title:"Shop" align:center       - Title with properties
      header:"ITEMS"                  - Section header
      feed:2                          - Feed lines
      divider                         - Divider line
      barcode:123456 format:CODE128   - Barcode
      qrcode:https://example.com      - QR code
      drawer                          - Open cash drawer
      cut                             - Cut paper

  watch                         Follow connection state and jobs live

Examples:
  printlink-cli search
  printlink-cli print "Order 42\nThank you"
  printlink-cli print --compose title:"Cafe" align:center text:"Latte" feed:2 cut
  printlink-cli name printer-1 "Kitchen Printer"
  printlink-cli -s http://localhost:8080 watch

`, defaultServerURL)
}

// CommandResult mirrors the server's command response
type CommandResult struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Kind    string                 `json:"kind,omitempty"`
}

func failed(format string, args ...interface{}) *CommandResult {
	return &CommandResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

func executeCommand(serverURL, command string) *CommandResult {
	body, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return failed("failed to marshal request: %v", err)
	}
	return post(strings.TrimSuffix(serverURL, "/")+"/command", body)
}

func printReceipt(serverURL string, receipt *receiptformat.Receipt) *CommandResult {
	body, err := receipt.ToJSON()
	if err != nil {
		return failed("failed to encode receipt: %v", err)
	}
	return post(strings.TrimSuffix(serverURL, "/")+"/print", body)
}

func post(url string, body []byte) *CommandResult {
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return failed("failed to connect to server: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return failed("failed to read response: %v", err)
	}
	return decodeResult(resp.StatusCode, data)
}

// decodeResult reads both command responses and plain REST responses,
// which carry job_id at the top level.
func decodeResult(status int, body []byte) *CommandResult {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return failed("failed to parse response (HTTP %d): %v", status, err)
	}

	var result CommandResult
	if err := json.Unmarshal(body, &result); err != nil {
		return failed("failed to parse response: %v", err)
	}
	if jobID, ok := raw["job_id"].(string); ok {
		if result.Data == nil {
			result.Data = map[string]interface{}{}
		}
		result.Data["job_id"] = jobID
	}
	if status >= 400 {
		result.Success = false
		if result.Error == "" {
			result.Error = fmt.Sprintf("HTTP %d", status)
		}
	}
	return &result
}

func printSuccess(w io.Writer, result *CommandResult) {
	if result.Message != "" {
		fmt.Fprintln(w, result.Message)
	}
	if result.Data == nil {
		return
	}

	if devices, ok := result.Data["devices"].([]interface{}); ok {
		fmt.Fprintln(w, "\nPrinters:")
		for _, d := range devices {
			if dev, ok := d.(map[string]interface{}); ok {
				marker := " "
				if connected, _ := dev["connected"].(bool); connected {
					marker = "*"
				}
				fmt.Fprintf(w, " %s %s: %s (%04X:%04X, %s)\n", marker, dev["id"], dev["name"],
					toInt(dev["vendorId"]), toInt(dev["productId"]), dev["language"])
			}
		}
	}

	if job, ok := result.Data["job"].(map[string]interface{}); ok {
		fmt.Fprintf(w, "Job %s: %s (retries: %d)\n", job["id"], job["status"], toInt(job["retries"]))
		if e, ok := job["error"].(string); ok && e != "" {
			fmt.Fprintf(w, "  error: %s\n", e)
		}
	}

	if jobID, ok := result.Data["job_id"].(string); ok {
		fmt.Fprintf(w, "Job ID: %s\n", jobID)
	}
}

func printError(result *CommandResult) {
	switch {
	case result.Error != "" && result.Kind != "":
		fmt.Fprintf(os.Stderr, "Error (%s): %s\n", result.Kind, result.Error)
	case result.Error != "":
		fmt.Fprintf(os.Stderr, "Error: %s\n", result.Error)
	case result.Message != "":
		fmt.Fprintf(os.Stderr, "%s\n", result.Message)
	}
}

func toInt(v interface{}) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}
