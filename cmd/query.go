package cmd

import (
	"context"

	"github.com/shopmonkeyus/schemastore/internal/api"
	"github.com/shopmonkeyus/schemastore/internal/database"
	"github.com/shopmonkeyus/schemastore/internal/query"
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query <table>",
	Short: "Find the documents of a table",
	Long: `Find the documents of a table.

The filter is a match document such as {"age": {"$gt": 28}} and the sort an object of
field to direction such as {"age": "desc"}. With --columns the filter and sort use the
column id keyed wire format instead.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		filter := mustFlagString(cmd, "filter", false)
		sort := mustFlagString(cmd, "sort", false)
		limit := mustFlagInt(cmd, "limit")
		offset := mustFlagInt(cmd, "offset")
		if mustFlagBool(cmd, "columns", false) {
			q := database.TableQuery{Limit: limit, Offset: offset}
			if filter != "" {
				mustJSONArg(filter, &q.Filter)
			}
			if sort != "" {
				mustJSONArg(sort, &q.Sort)
			}
			withHandler(func(ctx context.Context, h *api.Handler) api.Response {
				return h.QueryTableRecords(ctx, args[0], q)
			})
			return
		}
		var match map[string]any
		if filter != "" {
			mustJSONArg(filter, &match)
		}
		opts := database.FindOptions{Limit: limit, Offset: offset, WithDeleted: mustFlagBool(cmd, "with-deleted", false)}
		if sort != "" {
			var body query.SortBody
			mustJSONArg(sort, &body)
			opts.Sort = body.Spec()
		}
		opts.Fields, _ = cmd.Flags().GetStringSlice("fields")
		if term := mustFlagString(cmd, "search", false); term != "" {
			withHandler(func(ctx context.Context, h *api.Handler) api.Response {
				return h.Search(ctx, args[0], term, nil, opts)
			})
			return
		}
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.Find(ctx, args[0], match, opts)
		})
	},
}

var countCmd = &cobra.Command{
	Use:   "count <table>",
	Short: "Count the documents matching a filter",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var match map[string]any
		if filter := mustFlagString(cmd, "filter", false); filter != "" {
			mustJSONArg(filter, &match)
		}
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.Count(ctx, args[0], match)
		})
	},
}

var distinctCmd = &cobra.Command{
	Use:   "distinct <table> <field>",
	Short: "List the distinct values of a field",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		var match map[string]any
		if filter := mustFlagString(cmd, "filter", false); filter != "" {
			mustJSONArg(filter, &match)
		}
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.Distinct(ctx, args[0], args[1], match)
		})
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate <table> <pipeline-json>",
	Short: "Run an aggregation pipeline over the documents of a table",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		pipeline, err := query.ParsePipeline([]byte(args[1]))
		if err != nil {
			fail(err)
		}
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.Aggregate(ctx, args[0], pipeline)
		})
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(countCmd)
	rootCmd.AddCommand(distinctCmd)
	rootCmd.AddCommand(aggregateCmd)
	queryCmd.Flags().String("filter", "", "the filter as json")
	queryCmd.Flags().String("sort", "", "the sort as json")
	queryCmd.Flags().Int("limit", 0, "the maximum number of documents to return")
	queryCmd.Flags().Int("offset", 0, "the number of matching documents to skip")
	queryCmd.Flags().StringSlice("fields", nil, "project the documents to these fields, prefix with - to exclude")
	queryCmd.Flags().String("search", "", "match documents where any text field contains the term")
	queryCmd.Flags().Bool("with-deleted", false, "include soft deleted documents")
	queryCmd.Flags().Bool("columns", false, "the filter and sort address columns by id")
	countCmd.Flags().String("filter", "", "the filter as json")
	distinctCmd.Flags().String("filter", "", "the filter as json")
}
