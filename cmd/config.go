package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/samsaffron/claude-proxy/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configKeys lists the dotted keys `config get` and `config set` accept.
var configKeys = []string{
	"server.host",
	"server.port",
	"server.token",
	"server.cors_origins",
	"claude.bin",
	"claude.max_turns",
	"claude.timeout",
	"model.id",
	"model.display_name",
	"log.level",
	"log.format",
	"telemetry.enabled",
	"telemetry.endpoint",
	"telemetry.service_name",
	"telemetry.sample_ratio",
}

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or edit configuration",
	Long: `Show the effective configuration: the config file merged with
environment variables and defaults.`,
	Args: cobra.NoArgs,
	RunE: configShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	RunE:  configPath,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the current defaults",
	Args:  cobra.NoArgs,
	RunE:  configInit,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in the config file",
	Long: `Set a value in the config file, creating the file if needed.
Comments and unrelated keys are preserved.

Examples:
  claude-proxy config set claude.timeout 600
  claude-proxy config set server.token s3cret`,
	Args:              cobra.ExactArgs(2),
	RunE:              configSet,
	ValidArgsFunction: configKeyCompletion,
}

var configGetCmd = &cobra.Command{
	Use:               "get <key>",
	Short:             "Print a value from the config file",
	Args:              cobra.ExactArgs(1),
	RunE:              configGet,
	ValidArgsFunction: configKeyCompletion,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)

	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config file")
}

func configShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if path := config.ConfigFileUsed(); path != "" {
		fmt.Fprintf(out, "# %s\n\n", path)
	} else {
		fmt.Fprintf(out, "# No config file (using defaults)\n")
		fmt.Fprintf(out, "# Create one with: claude-proxy config init\n\n")
	}

	shown := *cfg
	if shown.Server.Token != "" {
		shown.Server.Token = "[set]"
	}
	return writeYAML(out, &shown)
}

func configPath(cmd *cobra.Command, args []string) error {
	path, err := config.GetConfigPath()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func configInit(cmd *cobra.Command, args []string) error {
	path, err := config.GetConfigPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func configSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	if err := checkConfigKey(key); err != nil {
		return err
	}

	path, err := config.GetConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	doc, err := readConfigDocument(path)
	if errors.Is(err, os.ErrNotExist) {
		doc = &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	} else if err != nil {
		return err
	}

	if err := setYAMLValue(doc, strings.Split(key, "."), value); err != nil {
		return fmt.Errorf("failed to set value: %w", err)
	}

	var buf bytes.Buffer
	if err := writeYAML(&buf, doc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
	return nil
}

func configGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if err := checkConfigKey(key); err != nil {
		return err
	}
	path, err := config.GetConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	doc, err := readConfigDocument(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file does not exist")
	}
	if err != nil {
		return err
	}

	node, err := getYAMLValue(doc, strings.Split(key, "."))
	if err != nil {
		return err
	}
	switch node.Kind {
	case yaml.ScalarNode:
		fmt.Fprintln(cmd.OutOrStdout(), node.Value)
	case yaml.SequenceNode:
		for _, item := range node.Content {
			fmt.Fprintln(cmd.OutOrStdout(), item.Value)
		}
	default:
		return fmt.Errorf("%s is not a scalar or list", key)
	}
	return nil
}

func checkConfigKey(key string) error {
	for _, k := range configKeys {
		if k == key {
			return nil
		}
	}
	return fmt.Errorf("unknown config key %q (known: %s)", key, strings.Join(configKeys, ", "))
}

func readConfigDocument(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if doc.Kind == 0 {
		// empty file
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	return &doc, nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// setYAMLValue walks path through doc, creating mappings as needed, and
// stores value at the leaf. A comma-separated value for a list key such as
// server.cors_origins becomes a sequence.
func setYAMLValue(doc *yaml.Node, path []string, value string) error {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return fmt.Errorf("invalid document structure")
	}
	current := doc.Content[0]
	if current.Kind != yaml.MappingNode {
		return fmt.Errorf("root is not a mapping")
	}

	for _, part := range path[:len(path)-1] {
		child := mappingValue(current, part)
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode}
			current.Content = append(current.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: part}, child)
		} else if child.Kind != yaml.MappingNode {
			*child = yaml.Node{Kind: yaml.MappingNode}
		}
		current = child
	}

	leaf := newValueNode(path[len(path)-1], value)
	last := path[len(path)-1]
	if existing := mappingValue(current, last); existing != nil {
		existing.Kind, existing.Tag, existing.Value, existing.Content = leaf.Kind, leaf.Tag, leaf.Value, leaf.Content
		return nil
	}
	current.Content = append(current.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: last}, leaf)
	return nil
}

func newValueNode(key, value string) *yaml.Node {
	if key != "cors_origins" {
		return &yaml.Node{Kind: yaml.ScalarNode, Value: value}
	}
	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: item})
		}
	}
	return seq
}

func getYAMLValue(doc *yaml.Node, path []string) (*yaml.Node, error) {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("invalid document structure")
	}
	current := doc.Content[0]
	for _, part := range path {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("path not found: expected mapping")
		}
		next := mappingValue(current, part)
		if next == nil {
			return nil, fmt.Errorf("key not found: %s", part)
		}
		current = next
	}
	return current, nil
}

// mappingValue returns the value node stored under key, or nil.
func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func configKeyCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var keys []string
	for _, k := range configKeys {
		if strings.HasPrefix(k, toComplete) {
			keys = append(keys, k)
		}
	}
	return keys, cobra.ShellCompDirectiveNoFileComp
}
