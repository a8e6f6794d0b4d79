// Package protocol defines the string-only wire format spoken between the host
// and an avatar sandbox.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type tags a bridge message.
type Type string

// Host -> sandbox commands.
const (
	TypeLoadModel        Type = "loadModel"
	TypeLoadModelDataURL Type = "loadModelDataUrl"
	TypeSetExpression    Type = "setExpression"
	TypeStartLipSync     Type = "startLipSync"
	TypeStopLipSync      Type = "stopLipSync"
	TypeGetModels        Type = "getModels"
)

// Sandbox -> host events.
const (
	TypeReady             Type = "ready"
	TypeModelLoaded       Type = "modelLoaded"
	TypeLoadingProgress   Type = "loadingProgress"
	TypeExpressionChanged Type = "expressionChanged"
	TypeLipSyncStarted    Type = "lipSyncStarted"
	TypeLipSyncStopped    Type = "lipSyncStopped"
	TypeTouched           Type = "touched"
	TypeError             Type = "error"
	TypeLog               Type = "log"
	TypeModelList         Type = "modelList"
)

var commands = map[Type]bool{
	TypeLoadModel:        true,
	TypeLoadModelDataURL: true,
	TypeSetExpression:    true,
	TypeStartLipSync:     true,
	TypeStopLipSync:      true,
	TypeGetModels:        true,
}

var events = map[Type]bool{
	TypeReady:             true,
	TypeModelLoaded:       true,
	TypeLoadingProgress:   true,
	TypeExpressionChanged: true,
	TypeLipSyncStarted:    true,
	TypeLipSyncStopped:    true,
	TypeTouched:           true,
	TypeError:             true,
	TypeLog:               true,
	TypeModelList:         true,
}

// IsCommand reports whether t may travel host -> sandbox.
func IsCommand(t Type) bool { return commands[t] }

// IsEvent reports whether t may travel sandbox -> host.
func IsEvent(t Type) bool { return events[t] }

// Expressions is the closed set of expression names a sandbox accepts.
var Expressions = []string{"idle", "listening", "thinking", "speaking", "happy", "surprised", "sad"}

// ValidExpression reports whether name belongs to Expressions.
func ValidExpression(name string) bool {
	for _, e := range Expressions {
		if e == name {
			return true
		}
	}
	return false
}

// Message is the envelope for every bridge message. Only the fields relevant
// to Type are populated.
type Message struct {
	Type Type `json:"type"`
	// Seq is assigned by the host channel; zero means unsequenced.
	Seq uint64 `json:"seq,omitempty"`

	URL        string   `json:"url,omitempty"`
	DataURL    string   `json:"dataUrl,omitempty"`
	Expression string   `json:"expression,omitempty"`
	Progress   *int     `json:"progress,omitempty"`
	Success    *bool    `json:"success,omitempty"`
	Error      string   `json:"error,omitempty"`
	Kind       string   `json:"kind,omitempty"`
	Message    string   `json:"message,omitempty"`
	Models     []string `json:"models,omitempty"`
}

// Encode serializes m to its string form.
func Encode(m Message) (string, error) {
	if m.Type == "" {
		return "", fmt.Errorf("encode message: empty type")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return string(b), nil
}

// Decode parses a serialized message and checks that its payload matches its type.
func Decode(s string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if !IsCommand(m.Type) && !IsEvent(m.Type) {
		return m, fmt.Errorf("decode message: unknown type %q", m.Type)
	}
	if err := m.validate(); err != nil {
		return m, err
	}
	return m, nil
}

func (m Message) validate() error {
	switch m.Type {
	case TypeLoadModel:
		if m.URL == "" {
			return fmt.Errorf("%s: missing url", m.Type)
		}
	case TypeLoadModelDataURL:
		if m.DataURL == "" {
			return fmt.Errorf("%s: missing dataUrl", m.Type)
		}
	case TypeSetExpression, TypeExpressionChanged:
		if m.Expression == "" {
			return fmt.Errorf("%s: missing expression", m.Type)
		}
	case TypeLoadingProgress:
		if m.Progress == nil {
			return fmt.Errorf("%s: missing progress", m.Type)
		}
	case TypeModelLoaded:
		if m.Success == nil {
			return fmt.Errorf("%s: missing success", m.Type)
		}
	case TypeError:
		if m.Message == "" {
			return fmt.Errorf("%s: missing message", m.Type)
		}
	}
	return nil
}

func LoadModel(url string) Message { return Message{Type: TypeLoadModel, URL: url} }

func LoadModelDataURL(dataURL string) Message {
	return Message{Type: TypeLoadModelDataURL, DataURL: dataURL}
}

func SetExpression(expression string) Message {
	return Message{Type: TypeSetExpression, Expression: expression}
}

func StartLipSync() Message { return Message{Type: TypeStartLipSync} }
func StopLipSync() Message  { return Message{Type: TypeStopLipSync} }
func GetModels() Message    { return Message{Type: TypeGetModels} }

func Ready() Message { return Message{Type: TypeReady} }

// ModelLoaded reports the outcome of a load; errMsg is ignored on success.
func ModelLoaded(success bool, errMsg string) Message {
	m := Message{Type: TypeModelLoaded, Success: &success}
	if !success {
		m.Error = errMsg
	}
	return m
}

func LoadingProgress(progress int) Message {
	return Message{Type: TypeLoadingProgress, Progress: &progress}
}

func ExpressionChanged(expression string) Message {
	return Message{Type: TypeExpressionChanged, Expression: expression}
}

func LipSyncStarted() Message { return Message{Type: TypeLipSyncStarted} }
func LipSyncStopped() Message { return Message{Type: TypeLipSyncStopped} }
func Touched() Message        { return Message{Type: TypeTouched} }

func ErrorEvent(kind ErrorKind, message string) Message {
	return Message{Type: TypeError, Kind: string(kind), Message: message}
}

func Log(message string) Message { return Message{Type: TypeLog, Message: message} }

func ModelList(models []string) Message {
	return Message{Type: TypeModelList, Models: models}
}

// Succeeded is a nil-safe read of Success.
func (m Message) Succeeded() bool { return m.Success != nil && *m.Success }

// Percent is a nil-safe read of Progress.
func (m Message) Percent() int {
	if m.Progress == nil {
		return 0
	}
	return *m.Progress
}
