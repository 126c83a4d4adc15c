package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sipeed/chatengine/internal/chatengine"
)

// ExecuteCodeTool runs a short Python snippet inside a throwaway,
// unprivileged Docker container, following the SDK's
// create/start/wait/logs/remove sequence.
type ExecuteCodeTool struct {
	docker  *client.Client
	image   string
	timeout time.Duration
}

// NewExecuteCodeTool connects to the local Docker daemon via the standard
// DOCKER_HOST/DOCKER_* environment variables.
func NewExecuteCodeTool(image string) (*ExecuteCodeTool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	if image == "" {
		image = "python:3.12-slim"
	}
	return &ExecuteCodeTool{docker: cli, image: image, timeout: 20 * time.Second}, nil
}

func (t *ExecuteCodeTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "execute_code",
		Description: "Execute a short Python snippet in a sandboxed container and return its stdout/stderr.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"code": map[string]interface{}{"type": "string", "description": "Python source to run"},
			},
			"required": []string{"code"},
		},
		Persistence: "artifact",
	}
}

func (t *ExecuteCodeTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	code, ok := stringArg(args, "code")
	if !ok || code == "" {
		return "code is required", true
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.docker.ContainerCreate(runCtx, &container.Config{
		Image:      t.image,
		Cmd:        []string{"python3", "-c", code},
		Tty:        false,
		NetworkDisabled: true,
	}, &container.HostConfig{
		AutoRemove: true,
		Resources: container.Resources{
			Memory:   256 * 1024 * 1024,
			NanoCPUs: 1_000_000_000,
		},
	}, nil, nil, "")
	if err != nil {
		return fmt.Sprintf("creating sandbox container: %v", err), true
	}

	if err := t.docker.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Sprintf("starting sandbox container: %v", err), true
	}

	statusCh, errCh := t.docker.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Sprintf("waiting for sandbox container: %v", err), true
		}
	case status := <-statusCh:
		logs, logErr := t.docker.ContainerLogs(runCtx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
		if logErr != nil {
			return fmt.Sprintf("fetching sandbox logs: %v", logErr), true
		}
		defer logs.Close()

		var stdout, stderr bytes.Buffer
		if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil && err != io.EOF {
			return fmt.Sprintf("reading sandbox logs: %v", err), true
		}

		output := stdout.String()
		if stderr.Len() > 0 {
			output += "\n--- stderr ---\n" + stderr.String()
		}
		if len(output) > 4000 {
			output = output[:4000] + "\n... (truncated)"
		}
		return output, status.StatusCode != 0
	case <-runCtx.Done():
		return "sandbox execution timed out", true
	}
	return "", false
}
