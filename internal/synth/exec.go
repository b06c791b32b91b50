package synth

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execBackend shells out to a local synthesis command (e.g. a wrapper around
// a cloned-voice model). Protocol: one JSON request on stdin, newline-framed
// JSON responses with base64 PCM on stdout until final=true.
type execBackend struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecBackend(command string, sampleRate, channels int) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execBackend{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execBackend) ID() string { return "exec" }

func (e *execBackend) Synthesize(ctx context.Context, req Request) (Audio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload := execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Audio{}, newError(e.ID(), ReasonInvalidInput, err)
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Audio{}, classify(e.ID(), err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, classify(e.ID(), err)
	}
	if err := cmd.Start(); err != nil {
		return Audio{}, classify(e.ID(), err)
	}

	if _, err := stdin.Write(data); err != nil {
		cmd.Wait()
		return Audio{}, classify(e.ID(), err)
	}
	stdin.Close()

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			cmd.Wait()
			return Audio{}, newError(e.ID(), ReasonInvalidInput, err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			cmd.Wait()
			return Audio{}, newError(e.ID(), ReasonInvalidInput, err)
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return Audio{}, classify(e.ID(), ctx.Err())
		}
		return Audio{}, classify(e.ID(), err)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return Audio{}, classify(e.ID(), scanErr)
	}
	if len(pcm) == 0 {
		return Audio{}, newError(e.ID(), ReasonUnavailable, fmt.Errorf("command produced no audio"))
	}

	return Audio{
		PCM:        pcm,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
		Duration:   pcmDuration(len(pcm), e.sampleRate, e.channels),
	}, nil
}
