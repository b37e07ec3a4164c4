package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeclysm/extract/v4"
	"github.com/google/uuid"
	"github.com/thin-edge/tedge-agent-go/pkg/mqtt"
)

// Publisher is the slice of the MQTT client the workflow engine needs
type Publisher interface {
	Publish(msg mqtt.Message) error
	PublishRetained(topic string, payload []byte) error
	ClearRetained(topic string) error
}

// Services are the capabilities handed to builtin actions
type Services struct {
	Publisher Publisher

	// Directory for downloaded and unpacked artifacts
	DataDir string

	// Base URL of the local file transfer service, e.g.
	// http://127.0.0.1:8000/te/v1/files
	FileTransferURL string

	HTTPClient *http.Client

	// Command used by builtin:restart
	RestartCommand []string

	CancelGrace time.Duration
}

// actionFunc executes one builtin action against the workflow context
type actionFunc func(ctx context.Context, services *Services, params map[string]any) (*ScriptResult, error)

var builtinActions = map[string]actionFunc{
	"noop":          actionNoop,
	"download":      actionDownload,
	"extract":       actionExtract,
	"upload":        actionUpload,
	"publish":       actionPublish,
	"restart":       actionRestart,
	"remote-access": actionRemoteAccess,
}

// LookupBuiltin resolves a builtin action name
func LookupBuiltin(name string) (actionFunc, bool) {
	action, ok := builtinActions[name]
	return action, ok
}

func actionNoop(_ context.Context, _ *Services, _ map[string]any) (*ScriptResult, error) {
	return &ScriptResult{Condition: ConditionSuccess, Output: map[string]any{}}, nil
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// actionDownload fetches the operation artifact (remoteUrl) into the data
// directory and records the local path in the context
func actionDownload(ctx context.Context, services *Services, params map[string]any) (*ScriptResult, error) {
	url := stringParam(params, "remoteUrl")
	if url == "" {
		url = stringParam(params, "url")
	}
	if url == "" {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": "no remoteUrl in command payload"}}, nil
	}

	dir := filepath.Join(services.DataDir, "cache")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, uuid.NewString())

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	response, err := services.HTTPClient.Do(request)
	if err != nil {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": err.Error()}}, nil
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusPartialContent {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": fmt.Sprintf("download failed with status %d", response.StatusCode)}}, nil
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(file, response.Body); err != nil {
		file.Close()
		os.Remove(path)
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": err.Error()}}, nil
	}
	if err := file.Close(); err != nil {
		return nil, err
	}

	return &ScriptResult{
		Condition: ConditionSuccess,
		Output:    map[string]any{"artifactPath": path},
	}, nil
}

// actionExtract unpacks a downloaded archive next to the artifact
func actionExtract(ctx context.Context, _ *Services, params map[string]any) (*ScriptResult, error) {
	path := stringParam(params, "artifactPath")
	if path == "" {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": "no artifactPath in workflow context"}}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": err.Error()}}, nil
	}
	defer file.Close()

	target := path + ".d"
	if err := extract.Archive(ctx, file, target, nil); err != nil {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": err.Error()}}, nil
	}
	return &ScriptResult{
		Condition: ConditionSuccess,
		Output:    map[string]any{"unpackedPath": target},
	}, nil
}

// actionUpload pushes a local file (path) to the file transfer service so
// the cloud mapper can hand it on
func actionUpload(ctx context.Context, services *Services, params map[string]any) (*ScriptResult, error) {
	path := stringParam(params, "path")
	if path == "" {
		path = stringParam(params, "tedgeUrl")
	}
	if path == "" {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": "no path in command payload"}}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": err.Error()}}, nil
	}
	defer file.Close()

	remote := fmt.Sprintf("%s/%s/%s", strings.TrimRight(services.FileTransferURL, "/"), stringParam(params, "type"), filepath.Base(path))
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, remote, file)
	if err != nil {
		return nil, err
	}
	response, err := services.HTTPClient.Do(request)
	if err != nil {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": err.Error()}}, nil
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusCreated && response.StatusCode != http.StatusNoContent && response.StatusCode != http.StatusOK {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": fmt.Sprintf("upload failed with status %d", response.StatusCode)}}, nil
	}
	return &ScriptResult{
		Condition: ConditionSuccess,
		Output:    map[string]any{"tedgeUrl": remote},
	}, nil
}

// actionPublish emits one MQTT message described by the context
// (topic, payload, retain)
func actionPublish(_ context.Context, services *Services, params map[string]any) (*ScriptResult, error) {
	topic := stringParam(params, "topic")
	if topic == "" {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": "no topic in command payload"}}, nil
	}
	payload := []byte(stringParam(params, "payload"))
	if raw, ok := params["payload"].(map[string]any); ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		payload = encoded
	}
	retain, _ := params["retain"].(bool)
	if err := services.Publisher.Publish(mqtt.Message{Topic: topic, Payload: payload, QoS: 1, Retain: retain}); err != nil {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": err.Error()}}, nil
	}
	return &ScriptResult{Condition: ConditionSuccess, Output: map[string]any{}}, nil
}

// actionRestart schedules a device restart through the configured command
func actionRestart(ctx context.Context, services *Services, _ map[string]any) (*ScriptResult, error) {
	command := services.RestartCommand
	if len(command) == 0 {
		command = []string{"/sbin/shutdown", "-r", "+1"}
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return &ScriptResult{
			Condition: ConditionError,
			Output:    map[string]any{"reason": truncateResult(strings.TrimSpace(string(output)))},
		}, nil
	}
	return &ScriptResult{Condition: ConditionSuccess, Output: map[string]any{}}, nil
}
