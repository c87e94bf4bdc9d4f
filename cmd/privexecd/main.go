// Command privexecd wires a Core to a stdio JSON-lines transport: each
// input line is either a SignedCommandRequest or a SignedPolicyUpdateRequest
// (selected by a "kind" envelope field), and the corresponding response is
// written as one output line. The actual IPC binding a front-end uses is
// out of scope (§1); this is the minimal wiring a local supervisor process
// needs to drive the broker, in the same "no flag parsing, minimal logic in
// main" style as the teacher's cmd/runnerd.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"

	"reach/services/privexecd/internal/api"
	"reach/services/privexecd/internal/broker"
	"reach/services/privexecd/internal/config"
	"reach/services/privexecd/internal/runner"
)

type envelope struct {
	Kind string `json:"kind"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("privexecd: config: %v", err)
	}

	core, err := broker.NewCore(cfg, runner.PowerShellRunner{})
	if err != nil {
		log.Fatalf("privexecd: init: %v", err)
	}

	log.Printf("privexecd ready: rootDir=%s deviceId=%s", cfg.RootDir, cfg.DeviceID)

	ctx := context.Background()
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for in.Scan() {
		line := in.Bytes()
		if len(line) == 0 {
			continue
		}
		handleLine(ctx, core, line, out)
		out.Flush()
	}
	if err := in.Err(); err != nil && err != io.EOF {
		log.Fatalf("privexecd: stdin: %v", err)
	}
}

func handleLine(ctx context.Context, core *broker.Core, line []byte, out *bufio.Writer) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		writeLine(out, map[string]string{"ok": "false", "code": "INVALID_SCHEMA"})
		return
	}

	switch env.Kind {
	case "policyUpdate":
		var req api.SignedPolicyUpdateRequest
		if err := json.Unmarshal(line, &req); err != nil {
			writeLine(out, api.PolicyUpdateResponse{OK: false, Code: "INVALID_SCHEMA", Message: "malformed policy update request"})
			return
		}
		writeLine(out, core.ApplyPolicyUpdate(req))
	default:
		var req api.SignedCommandRequest
		if err := json.Unmarshal(line, &req); err != nil {
			writeLine(out, api.CommandResponse{SchemaVersion: 1, OK: false, Code: "INVALID_SCHEMA", Message: "malformed command request"})
			return
		}
		writeLine(out, core.Execute(ctx, req))
	}
}

func writeLine(out *bufio.Writer, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	out.Write(b)
	out.WriteByte('\n')
}
