package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// ExecTranslator pipes {"text","source","target"} to a local command and
// reads {"text"} back.
type ExecTranslator struct {
	cmd []string
}

type execRequest struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
	Target string `json:"target"`
}

type execResponse struct {
	Text string `json:"text"`
}

func NewExecTranslator(command string) (*ExecTranslator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse translation command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("translation command empty")
	}
	return &ExecTranslator{cmd: args}, nil
}

func (e *ExecTranslator) Translate(ctx context.Context, req Request) (string, error) {
	input, err := json.Marshal(execRequest{Text: req.Text, Source: req.Source, Target: req.Target})
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("translation command failed: %w: %s", err, stderr.String())
	}
	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode translation response: %w", err)
	}
	return resp.Text, nil
}
