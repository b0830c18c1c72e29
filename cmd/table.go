package cmd

import (
	"context"

	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/api"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [schema-file]",
	Short: "Initialize the database, optionally creating the tables of a database schema file",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var schema *internal.DatabaseSchema
		if len(args) == 1 {
			var err error
			if schema, err = internal.LoadDatabaseSchemaFile(args[0]); err != nil {
				fail(err)
			}
		}
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.Initialize(ctx, schema)
		})
	},
}

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Manage tables",
}

func mustLoadTable(filename string) *internal.TableSchema {
	table, err := internal.LoadTableSchemaFile(filename)
	if err != nil {
		fail(err)
	}
	return table
}

var tableCreateCmd = &cobra.Command{
	Use:   "create <file>",
	Short: "Create a table from a json or toml declaration",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		table := mustLoadTable(args[0])
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.CreateTable(ctx, *table)
		})
	},
}

var tableUpdateCmd = &cobra.Command{
	Use:   "update <file>",
	Short: "Replace the declaration of a table",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		table := mustLoadTable(args[0])
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.UpdateTableSchema(ctx, *table)
		})
	},
}

var tableListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tables",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.ListTables()
		})
	},
}

var tableShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show the declaration of a table",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.GetTable(args[0])
		})
	},
}

var tableDropCmd = &cobra.Command{
	Use:   "drop <name>",
	Short: "Drop a table and all of its documents",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.DropTable(ctx, args[0])
		})
	},
}

func mustDecodeField(arg string) internal.Field {
	field, err := internal.DecodeField([]byte(arg))
	if err != nil {
		fail(err)
	}
	return field
}

var tableAddFieldCmd = &cobra.Command{
	Use:   "add-field <table> <field-json>",
	Short: "Add a field to a table",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		field := mustDecodeField(args[1])
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.AddField(ctx, args[0], field)
		})
	},
}

var tableUpdateFieldCmd = &cobra.Command{
	Use:   "update-field <table> <field> <field-json>",
	Short: "Replace a field declaration, renaming it if the name changes",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		field := mustDecodeField(args[2])
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.UpdateField(ctx, args[0], args[1], field)
		})
	},
}

var tableRemoveFieldCmd = &cobra.Command{
	Use:   "remove-field <table> <field>",
	Short: "Remove a field from a table and its documents",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.RemoveField(ctx, args[0], args[1])
		})
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect table schemas",
}

var schemaExportCmd = &cobra.Command{
	Use:   "export <table>",
	Short: "Export the JSON Schema of a table",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.ExportJSONSchema(args[0])
		})
	},
}

var schemaDefaultsCmd = &cobra.Command{
	Use:   "defaults <table>",
	Short: "Show the default document of a table",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.ExtractDefaults(args[0])
		})
	},
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a table declaration file without touching the database",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		printResponse(api.Response{Success: true, Data: mustLoadTable(args[0])})
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(tableCmd)
	tableCmd.AddCommand(tableCreateCmd)
	tableCmd.AddCommand(tableUpdateCmd)
	tableCmd.AddCommand(tableListCmd)
	tableCmd.AddCommand(tableShowCmd)
	tableCmd.AddCommand(tableDropCmd)
	tableCmd.AddCommand(tableAddFieldCmd)
	tableCmd.AddCommand(tableUpdateFieldCmd)
	tableCmd.AddCommand(tableRemoveFieldCmd)
	rootCmd.AddCommand(schemaCmd)
	schemaCmd.AddCommand(schemaExportCmd)
	schemaCmd.AddCommand(schemaDefaultsCmd)
	schemaCmd.AddCommand(schemaValidateCmd)
}
