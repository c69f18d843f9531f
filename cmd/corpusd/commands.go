package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mstolbov/corpusd/internal/api"
	"github.com/mstolbov/corpusd/internal/config"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest content into the knowledge base",
	Long: `Ingest content into the knowledge base.

Examples:
  corpusd ingest --source docs --text "Deploys roll back automatically on failed health checks"
  corpusd ingest --source research --url https://example.com/article
  corpusd ingest --source notes --file ./runbook.md --title "Deploy runbook"
  corpusd ingest --source reports --file ./q3.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceID, _ := cmd.Flags().GetString("source")
		text, _ := cmd.Flags().GetString("text")
		fetchURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		owner, _ := cmd.Flags().GetString("owner")

		if sourceID == "" {
			return fmt.Errorf("--source is required")
		}
		if text == "" && fetchURL == "" && file == "" {
			return fmt.Errorf("one of --text, --url, or --file is required")
		}

		req := map[string]any{"source_id": sourceID}
		if title != "" {
			req["title"] = title
		}
		if owner != "" {
			req["owner_id"] = owner
		}

		switch {
		case text != "":
			req["format"] = api.FormatText
			req["content"] = text
		case fetchURL != "":
			req["format"] = api.FormatURL
			req["url"] = fetchURL
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			switch strings.ToLower(filepath.Ext(file)) {
			case ".pdf":
				req["format"] = api.FormatPDF
				req["content"] = base64.StdEncoding.EncodeToString(data)
			case ".html", ".htm":
				req["format"] = api.FormatHTML
				req["content"] = string(data)
			default:
				req["format"] = api.FormatText
				req["content"] = string(data)
			}
			if title == "" {
				req["title"] = file
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/documents", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued document %s", result["id"])
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("source", "", "registered source id (required)")
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest (.pdf and .html are extracted)")
	ingestCmd.Flags().String("title", "", "title for the document")
	ingestCmd.Flags().String("owner", "", "owner id for scoped retrieval")
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Semantic search re-ranked by source priority",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		queryType, _ := cmd.Flags().GetString("type")
		tagsStr, _ := cmd.Flags().GetString("tags")

		req := map[string]any{"query": strings.Join(args, " ")}
		if owner != "" {
			req["owner_id"] = owner
		}
		qctx := map[string]any{}
		if queryType != "" {
			qctx["type"] = queryType
		}
		if tagsStr != "" {
			qctx["tags"] = splitTags(tagsStr)
		}
		if len(qctx) > 0 {
			req["context"] = qctx
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/query", req)
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				SourceName string  `json:"source_name"`
				Text       string  `json:"text"`
				Similarity float64 `json:"similarity"`
				Score      float64 `json:"score"`
			} `json:"results"`
			SourcesUsed []string `json:"sources_used"`
			Quality     struct {
				AvgRelevance float64 `json:"avg_relevance"`
			} `json:"quality_metrics"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range result.Results {
			header := fmt.Sprintf("Result %d", i+1)
			fmt.Printf("\n%s [%s, score %.3f, similarity %.3f]\n",
				colorize(colorBold, header), r.SourceName, r.Score, r.Similarity)
			text := r.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		fmt.Printf("\nSources: %s (avg relevance %.3f)\n",
			strings.Join(result.SourcesUsed, ", "), result.Quality.AvgRelevance)
		return nil
	},
}

func init() {
	queryCmd.Flags().String("owner", "", "owner id for scoped retrieval")
	queryCmd.Flags().String("type", "", "query type hint for priority rules")
	queryCmd.Flags().String("tags", "", "comma-separated tags for priority rules")
}

// --- sources ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage knowledge sources",
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a knowledge source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		srcType, _ := cmd.Flags().GetString("type")
		priority, _ := cmd.Flags().GetInt("priority")
		description, _ := cmd.Flags().GetString("description")
		tagsStr, _ := cmd.Flags().GetString("tags")

		req := map[string]any{
			"name":     args[0],
			"type":     srcType,
			"priority": priority,
		}
		if description != "" {
			req["description"] = description
		}
		if tagsStr != "" {
			req["tags"] = splitTags(tagsStr)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sources", req)
		if err != nil {
			return err
		}

		var created struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Registered source %s", created.ID)
		return nil
	},
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		enabledOnly, _ := cmd.Flags().GetBool("enabled")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/sources"
		if enabledOnly {
			path += "?enabled=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var list []struct {
			ID          string  `json:"id"`
			Name        string  `json:"name"`
			Type        string  `json:"type"`
			Enabled     bool    `json:"enabled"`
			Priority    int     `json:"priority"`
			Credibility float64 `json:"credibility_score"`
			Queries     int     `json:"query_count"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list) == 0 {
			fmt.Println("No sources registered.")
			return nil
		}
		for _, s := range list {
			state := "enabled"
			if !s.Enabled {
				state = "disabled"
			}
			fmt.Printf("%s  %-20s %-18s prio %2d  cred %.2f  queries %d  [%s]\n",
				colorize(colorCyan, s.ID[:8]), s.Name, s.Type, s.Priority, s.Credibility, s.Queries, state)
		}
		return nil
	},
}

var sourcesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a source as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sources/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var src any
		if err := decodeJSON(resp, &src); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(src)
	},
}

var sourcesRateCmd = &cobra.Command{
	Use:   "rate <id> <rating>",
	Short: "Rate a source from 0 to 5",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rating, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("rating must be a number: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/sources/"+url.PathEscape(args[0])+"/rating", map[string]any{"rating": rating})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Rated source %s = %.1f", args[0], rating)
		return nil
	},
}

var sourcesDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a source (its documents stop appearing in results)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/sources/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Disabled source %s", args[0])
		return nil
	},
}

func init() {
	sourcesAddCmd.Flags().String("type", "documentation", "source type: documentation, api, document_collection, conversation, manual_entry")
	sourcesAddCmd.Flags().Int("priority", 5, "base priority 1-10")
	sourcesAddCmd.Flags().String("description", "", "source description")
	sourcesAddCmd.Flags().String("tags", "", "comma-separated tags")
	sourcesListCmd.Flags().Bool("enabled", false, "list only enabled sources")

	sourcesCmd.AddCommand(sourcesAddCmd)
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesShowCmd)
	sourcesCmd.AddCommand(sourcesRateCmd)
	sourcesCmd.AddCommand(sourcesDisableCmd)
}

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage priority rules",
}

var rulesAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a priority rule boosting the named sources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		substring, _ := cmd.Flags().GetString("substring")
		queryType, _ := cmd.Flags().GetString("query-type")
		tagsStr, _ := cmd.Flags().GetString("tags")
		sourcesStr, _ := cmd.Flags().GetString("sources")
		multiplier, _ := cmd.Flags().GetFloat64("multiplier")

		if sourcesStr == "" {
			return fmt.Errorf("--sources is required")
		}

		req := map[string]any{
			"name":       args[0],
			"source_ids": splitTags(sourcesStr),
			"multiplier": multiplier,
		}
		if substring != "" {
			req["substring"] = substring
		}
		if queryType != "" {
			req["query_type"] = queryType
		}
		if tagsStr != "" {
			req["tags"] = splitTags(tagsStr)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/rules", req)
		if err != nil {
			return err
		}

		var created struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Created rule %s", created.ID)
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List priority rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/rules")
		if err != nil {
			return err
		}

		var rules []struct {
			ID         string   `json:"id"`
			Name       string   `json:"name"`
			Substring  string   `json:"substring"`
			QueryType  string   `json:"query_type"`
			SourceIDs  []string `json:"source_ids"`
			Multiplier float64  `json:"multiplier"`
		}
		if err := decodeJSON(resp, &rules); err != nil {
			return err
		}

		if len(rules) == 0 {
			fmt.Println("No rules defined.")
			return nil
		}
		for _, r := range rules {
			conditions := []string{}
			if r.Substring != "" {
				conditions = append(conditions, "substring "+strconv.Quote(r.Substring))
			}
			if r.QueryType != "" {
				conditions = append(conditions, "type "+r.QueryType)
			}
			fmt.Printf("%s  %-24s x%.1f  %s → %s\n",
				colorize(colorCyan, r.ID[:8]), r.Name, r.Multiplier,
				strings.Join(conditions, ", "), strings.Join(r.SourceIDs, ", "))
		}
		return nil
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a priority rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/rules/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted rule %s", args[0])
		return nil
	},
}

func init() {
	rulesAddCmd.Flags().String("substring", "", "match queries containing this substring")
	rulesAddCmd.Flags().String("query-type", "", "match this query type")
	rulesAddCmd.Flags().String("tags", "", "match queries carrying any of these comma-separated tags")
	rulesAddCmd.Flags().String("sources", "", "comma-separated source ids to boost (required)")
	rulesAddCmd.Flags().Float64("multiplier", 1.0, "boost strength in priority units")

	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesDeleteCmd)
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the ingestion queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/health")
		if err != nil {
			return err
		}

		var h api.HealthResponse
		if err := decodeJSON(resp, &h); err != nil {
			return err
		}

		printStatus("Processing", "%t", h.Queue.Active)
		if len(h.Queue.Depth) == 0 {
			printStatus("Queue", "empty")
		}
		for state, n := range h.Queue.Depth {
			printStatus(state, "%d", n)
		}
		if h.Stats != nil {
			printStatus("Documents processed", "%d", h.Stats.DocumentsProcessed)
			printStatus("Embeddings generated", "%d", h.Stats.EmbeddingsGenerated)
			printStatus("Success rate", "%.2f", h.Stats.SuccessRate)
		}
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove completed and failed entries from the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/queue/clear", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cleared %d queue entries", result["cleared"])
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func splitTags(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
