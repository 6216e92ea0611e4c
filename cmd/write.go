package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/agentic-research/dirtree/api"
	"github.com/agentic-research/dirtree/internal/ingest"
	"github.com/spf13/cobra"
)

var targetFile string

func parseAttributes(s string) (api.Attributes, error) {
	var attrs api.Attributes
	if err := json.Unmarshal([]byte(s), &attrs); err != nil {
		return nil, fmt.Errorf("attributes must be a JSON object of string lists: %w", err)
	}
	if attrs == nil {
		attrs = api.Attributes{}
	}
	return attrs, nil
}

var addCmd = &cobra.Command{
	Use:     "add <dn> <attributes-json>",
	Short:   "Add an entry",
	Example: `  dirtree -s people.json add "uid=jane,ou=users,dc=example,dc=com" '{"uid": ["jane"]}'`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		attrs, err := parseAttributes(args[1])
		if err != nil {
			return err
		}
		st, err := openStore(false, nil)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		return st.AddEntry(args[0], attrs, targetFile)
	},
}

var modifyCmd = &cobra.Command{
	Use:   "modify <dn> <attributes-json>",
	Short: "Replace attributes of an entry; an empty list removes the attribute",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		attrs, err := parseAttributes(args[1])
		if err != nil {
			return err
		}
		st, err := openStore(false, nil)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		return st.ModifyEntry(args[0], attrs)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <dn>",
	Short: "Delete an entry from every source that defines it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(false, nil)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		return st.DeleteEntry(args[0])
	},
}

var bulkCmd = &cobra.Command{
	Use:   "bulk <records.json>",
	Short: "Upsert every record of a JSON file into a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := ingest.LoadFile(args[0])
		if err != nil {
			return err
		}
		st, err := openStore(false, nil)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		if err := st.BulkWriteEntries(src.Records, targetFile); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d records processed\n", len(src.Records))
		return nil
	},
}

func init() {
	addCmd.Flags().StringVarP(&targetFile, "target", "t", "", "source file to write to (default is the first source)")
	bulkCmd.Flags().StringVarP(&targetFile, "target", "t", "", "source file to write to (default is the first source)")
	rootCmd.AddCommand(addCmd, modifyCmd, deleteCmd, bulkCmd)
}
