package cmd

import (
	"context"
	"strings"

	"github.com/shopmonkeyus/schemastore/internal/api"
	"github.com/shopmonkeyus/schemastore/internal/database"
	"github.com/spf13/cobra"
)

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Manage documents",
}

var docCreateCmd = &cobra.Command{
	Use:   "create <table> <json>",
	Short: "Create a document, or every document of a json array atomically",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if strings.HasPrefix(strings.TrimSpace(args[1]), "[") {
			var docs []map[string]any
			mustJSONArg(args[1], &docs)
			withHandler(func(ctx context.Context, h *api.Handler) api.Response {
				return h.CreateMany(ctx, args[0], docs)
			})
			return
		}
		var doc map[string]any
		mustJSONArg(args[1], &doc)
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.Create(ctx, args[0], doc)
		})
	},
}

var docGetCmd = &cobra.Command{
	Use:   "get <table> <id>",
	Short: "Get a document by id",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withDeleted := mustFlagBool(cmd, "with-deleted", false)
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.FindByID(ctx, args[0], args[1], withDeleted)
		})
	},
}

var docUpdateCmd = &cobra.Command{
	Use:   "update <table> <id> <json>",
	Short: "Merge a patch into a document, null removes a key",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		var patch map[string]any
		mustJSONArg(args[2], &patch)
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.Update(ctx, args[0], args[1], patch)
		})
	},
}

var docDeleteCmd = &cobra.Command{
	Use:   "delete <table> <id>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		opts := database.DeleteOptions{Hard: mustFlagBool(cmd, "hard", false)}
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.Delete(ctx, args[0], args[1], opts)
		})
	},
}

func init() {
	rootCmd.AddCommand(docCmd)
	docCmd.AddCommand(docCreateCmd)
	docCmd.AddCommand(docGetCmd)
	docCmd.AddCommand(docUpdateCmd)
	docCmd.AddCommand(docDeleteCmd)
	docGetCmd.Flags().Bool("with-deleted", false, "return the document even if it was soft deleted")
	docDeleteCmd.Flags().Bool("hard", false, "remove the document even when the table uses soft delete")
}
