package executor

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/orchestra-dev/orchestra/internal/core"
)

// LLMMessage is one message of an llm node's prompt.
type LLMMessage struct {
	Role    string `mapstructure:"role" json:"role"`
	Content string `mapstructure:"content" json:"content"`
}

// LLMConfig is the typed config of an llm node.
type LLMConfig struct {
	Model       string       `mapstructure:"model" json:"model"`
	Messages    []LLMMessage `mapstructure:"messages" json:"messages"`
	Temperature *float64     `mapstructure:"temperature" json:"temperature,omitempty"`
	MaxTokens   *int         `mapstructure:"maxTokens" json:"maxTokens,omitempty"`
}

// ToolConfig is the typed config of a tool (shell/container) node.
type ToolConfig struct {
	Executor   string            `mapstructure:"executor" json:"executor,omitempty"`
	Command    string            `mapstructure:"command" json:"command"`
	WorkingDir string            `mapstructure:"workingDir" json:"workingDir,omitempty"`
	Env        map[string]string `mapstructure:"env" json:"env,omitempty"`
	Timeout    int               `mapstructure:"timeout" json:"timeout,omitempty"`
	Image      string            `mapstructure:"image" json:"image,omitempty"`
}

// HumanConfig is the typed config of a human approval node.
type HumanConfig struct {
	Message   string   `mapstructure:"message" json:"message,omitempty"`
	Approvers []string `mapstructure:"approvers" json:"approvers,omitempty"`
	Timeout   int      `mapstructure:"timeout" json:"timeout,omitempty"` // seconds
}

// MCPConfig is the typed config of an mcp tool-call node. ServerID is
// optional; an empty value selects name-based auto-discovery.
type MCPConfig struct {
	ServerID string         `mapstructure:"serverId" json:"serverId,omitempty"`
	Tool     string         `mapstructure:"tool" json:"tool"`
	Inputs   map[string]any `mapstructure:"inputs" json:"inputs,omitempty"`
}

func decodeConfig(node *core.Node, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(node.Config); err != nil {
		return fmt.Errorf("node %q config: %w", node.ID, err)
	}
	return nil
}

// ValidateConfig parses a node's free-form config into its typed form and
// reports structural problems. Called at workflow load time so executors
// never see malformed configs.
func ValidateConfig(node *core.Node) error {
	switch node.Type {
	case core.NodeTypeLLM:
		var cfg LLMConfig
		if err := decodeConfig(node, &cfg); err != nil {
			return err
		}
		if cfg.Model == "" {
			return fmt.Errorf("node %q: llm config requires model", node.ID)
		}
		if len(cfg.Messages) == 0 {
			return fmt.Errorf("node %q: llm config requires messages", node.ID)
		}
	case core.NodeTypeTool:
		var cfg ToolConfig
		if err := decodeConfig(node, &cfg); err != nil {
			return err
		}
		if cfg.Command == "" {
			return fmt.Errorf("node %q: tool config requires command", node.ID)
		}
	case core.NodeTypeHuman:
		var cfg HumanConfig
		if err := decodeConfig(node, &cfg); err != nil {
			return err
		}
	case core.NodeTypeMCP:
		var cfg MCPConfig
		if err := decodeConfig(node, &cfg); err != nil {
			return err
		}
		if cfg.Tool == "" {
			return fmt.Errorf("node %q: mcp config requires tool", node.ID)
		}
	default:
		return fmt.Errorf("%w: %q", core.ErrUnknownNodeType, node.Type)
	}
	return nil
}
