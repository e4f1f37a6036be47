package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ganeshballa0/bank-of-anthos/internal/backend"
	"github.com/ganeshballa0/bank-of-anthos/internal/tool"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools offered to the reasoning agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 只读取工具描述，不会访问任何后端，因此不需要加载配置或公钥。
		registry := tool.NewRegistry()
		if err := tool.RegisterBankTools(registry, tool.BankClientsFrom(backend.New(backend.Options{})), tool.BankOptions{}); err != nil {
			return err
		}
		specs := registry.Specs()

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(specs)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPARAMS\tDESCRIPTION")
		for _, spec := range specs {
			params := make([]string, 0, len(spec.Params))
			for _, p := range spec.Params {
				name := p.Name + ":" + string(p.Type)
				if !p.Required {
					name += "?"
				}
				params = append(params, name)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", spec.Name, strings.Join(params, ","), spec.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)

	toolsCmd.Flags().Bool("json", false, "Print the tool specs as JSON")
}
