// Command gwctl is an operator CLI for inspecting the gateway's
// configuration document: resolving the effective (inheritance-applied)
// view of a namespace or recommender the way the running gateway would.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
	"github.com/aws-samples/personalization-apis-go/internal/procconfig"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gwctl: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gwctl",
	Short: "Operator CLI for the personalization API gateway",
}

var (
	sourceFlag      string
	namespaceFlag   string
	recommenderFlag string
	actionFlag      string
)

func init() {
	effectiveConfigCmd.Flags().StringVar(&sourceFlag, "source", "", "path to a configuration document, or empty to fetch from the config sidecar")
	effectiveConfigCmd.Flags().StringVar(&namespaceFlag, "namespace", "", "namespace to resolve (required)")
	effectiveConfigCmd.Flags().StringVar(&recommenderFlag, "recommender", "", "recommender to resolve, relative to --namespace")
	effectiveConfigCmd.Flags().StringVar(&actionFlag, "action", "", "action bucket to search (recommend-items, related-items, rerank-items); searches all three when empty")
	_ = effectiveConfigCmd.MarkFlagRequired("namespace")
	rootCmd.AddCommand(effectiveConfigCmd)
}

var effectiveConfigCmd = &cobra.Command{
	Use:   "effective-config",
	Short: "Print the inheritance-resolved view of a namespace or recommender",
	Long: `Loads the configuration document (from --source, or the local config
sidecar if --source is omitted) and prints the effective configuration node
after applying the gateway's shallow-copy inheritance, the same way a
request would see it.`,
	RunE: runEffectiveConfig,
}

func loadDocument(source string) (*configmodel.Document, error) {
	var raw []byte
	var err error
	if source != "" {
		raw, err = os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", source, err)
		}
	} else {
		raw, err = fetchFromSidecar()
		if err != nil {
			return nil, err
		}
	}
	return configmodel.ParseDocument(raw)
}

func fetchFromSidecar() ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(procconfig.ConfigSidecarURL())
	if err != nil {
		return nil, fmt.Errorf("fetching configuration from sidecar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config sidecar returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func runEffectiveConfig(cmd *cobra.Command, args []string) error {
	if actionFlag != "" {
		if err := configmodel.ValidateAction(actionFlag); err != nil {
			return err
		}
	}

	doc, err := loadDocument(sourceFlag)
	if err != nil {
		return err
	}

	var node configmodel.Node
	var ok bool
	if recommenderFlag != "" {
		node, ok = doc.RecommenderConfig(namespaceFlag, recommenderFlag, actionFlag)
		if !ok {
			return fmt.Errorf("recommender %q is not configured under namespace %q", recommenderFlag, namespaceFlag)
		}
	} else {
		node, ok = doc.NamespaceConfig(namespaceFlag)
		if !ok {
			return fmt.Errorf("namespace %q is not configured", namespaceFlag)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(node)
}
