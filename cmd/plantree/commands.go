package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/civicplan/plantree/internal/config"
	"github.com/civicplan/plantree/internal/logger"
	"github.com/civicplan/plantree/internal/navigator"
	"github.com/civicplan/plantree/internal/service"
	"github.com/civicplan/plantree/internal/siteconfig"
	"github.com/civicplan/plantree/internal/store"
	"github.com/civicplan/plantree/internal/store/sqlite"
	"github.com/civicplan/plantree/internal/tree"
	"github.com/civicplan/plantree/internal/treefile"
)

var (
	dataPath   string
	siteConfig string
	logLevel   string
	locale     string
	siteID     string
	outputPath string
	serverURL  string

	rootCmd = &cobra.Command{
		Use:           "plantree",
		Short:         "Manage plantree trees from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	importCmd = &cobra.Command{
		Use:   "import [file.yaml]",
		Short: "Create a tree and its nodes from a YAML document",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	exportCmd = &cobra.Command{
		Use:   "export [tree-id]",
		Short: "Write a tree as a YAML document",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	treesCmd = &cobra.Command{
		Use:   "trees",
		Short: "List the trees of a site",
		Args:  cobra.NoArgs,
		RunE:  runTrees,
	}
	showCmd = &cobra.Command{
		Use:   "show [tree-id]",
		Short: "Print a tree with uids and aggregated progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	permalinkCmd = &cobra.Command{
		Use:   "permalink [tree-id] [uid]",
		Short: "Print the node at a uid and its breadcrumb",
		Args:  cobra.ExactArgs(2),
		RunE:  runPermalink,
	}
	checkCmd = &cobra.Command{
		Use:   "check [tree-id]",
		Short: "Verify the stored structure of a tree",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheck,
	}
	resolveCmd = &cobra.Command{
		Use:   "resolve [tree-id] [uid]",
		Short: "Resolve a permalink against a running server, loading levels on demand",
		Args:  cobra.ExactArgs(2),
		RunE:  runResolve,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dataPath, "data-path", "", "Directory holding the database (default: $DATA_PATH or ~/.plantree)")
	rootCmd.PersistentFlags().StringVar(&siteConfig, "site-config", "", "Site configuration YAML")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	for _, c := range []*cobra.Command{showCmd, permalinkCmd, resolveCmd} {
		c.Flags().StringVar(&locale, "locale", "", "Locale to render labels in")
	}
	treesCmd.Flags().StringVar(&siteID, "site", "", "Site id (default: the configured default site)")
	exportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (default: stdout)")
	resolveCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server base URL")

	rootCmd.AddCommand(importCmd, exportCmd, treesCmd, showCmd, permalinkCmd, checkCmd, resolveCmd)
}

// app is the local stack a command runs against.
type app struct {
	cfg   *config.Config
	log   *logger.Logger
	store *sqlite.Store
	trees *service.TreeService
}

func (a *app) Close() error {
	return a.store.Close()
}

func newLogger() *logger.Logger {
	return logger.New(logger.Config{
		Writer: os.Stderr,
		Level:  logger.ParseLevel(logLevel),
		Format: logger.FormatPretty,
	})
}

// openApp loads the configuration the server would use and opens its database.
func openApp() (*app, error) {
	args := []string{"-log-level", logLevel}
	if dataPath != "" {
		args = append(args, "-data-path", dataPath)
	}
	if siteConfig != "" {
		args = append(args, "-site-config", siteConfig)
	}
	cfg, err := config.Load(args)
	if err != nil {
		return nil, err
	}
	log := newLogger()

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	st, err := sqlite.Open(cfg.Storage.DatabasePath(), log.Logger)
	if err != nil {
		return nil, err
	}

	sites := siteconfig.NewRegistry(cfg.Site.DefaultSiteID, log.Logger)
	if cfg.Site.ConfigPath != "" {
		if err := sites.Load(cfg.Site.ConfigPath); err != nil {
			st.Close()
			return nil, err
		}
	}

	return &app{
		cfg:   cfg,
		log:   log,
		store: st,
		trees: service.NewTreeService(st, sites, nil, nil, nil, log.Logger),
	}, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}

func runImport(cmd *cobra.Command, args []string) error {
	doc, err := treefile.ReadFile(args[0])
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	t, err := treefile.Import(ctx, a.trees, doc)
	if err != nil {
		if t != nil {
			if derr := a.trees.DeleteTree(context.WithoutCancel(ctx), t.ID); derr != nil {
				a.log.Warn("failed to remove partially imported tree", "tree_id", t.ID, "error", derr)
			}
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%s) with %d nodes\n", t.ID, t.Slug, doc.Count())
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	t, err := a.trees.GetTree(ctx, args[0])
	if err != nil {
		return err
	}
	nodes, err := a.store.ListNodes(ctx, t.ID)
	if err != nil {
		return err
	}
	doc, err := treefile.FromNodes(t, nodes)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return treefile.Write(w, doc)
}

func runTrees(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	params := store.DefaultPaginationParams()
	for {
		page, err := a.trees.ListTrees(ctx, siteID, params)
		if err != nil {
			return err
		}
		for _, t := range page.Items {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", t.ID, t.Kind, t.Slug, t.Name)
		}
		if !page.HasMore {
			return nil
		}
		params.Cursor = page.NextCursor
	}
}

func runShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	payload, err := a.trees.TreePayload(ctx, args[0], locale)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s [%s, locale %s] %d%%\n", payload.Tree.Name, payload.Tree.Kind, payload.Locale, payload.GlobalProgress)

	// Lazy levels are fetched one level at a time, as a browser would.
	var walk func(nodes []*tree.Annotated) error
	walk = func(nodes []*tree.Annotated) error {
		for _, n := range nodes {
			fmt.Fprintln(out, formatNode(n))
			children := n.Children
			if children == nil && n.Attributes.ChildrenCount > 0 {
				p, err := a.trees.Children(ctx, payload.Tree.ID, n.ID, locale)
				if err != nil {
					return err
				}
				children = &p.Children
			}
			if children != nil {
				if err := walk(*children); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(payload.PlanTree)
}

func formatNode(n *tree.Annotated) string {
	var b strings.Builder
	b.WriteString(strings.Repeat("  ", n.Level))
	fmt.Fprintf(&b, "%-8s %s", n.UID, n.Attributes.Name)
	if n.Attributes.Progress != nil {
		fmt.Fprintf(&b, " (%d%%)", *n.Attributes.Progress)
	}
	if !n.Attributes.Selectable {
		b.WriteString(" [structural]")
	}
	return b.String()
}

func runPermalink(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	p, err := a.trees.Permalink(ctx, args[0], args[1], locale)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	names := make([]string, len(p.Breadcrumb))
	for i, c := range p.Breadcrumb {
		names[i] = c.Name
	}
	fmt.Fprintln(out, strings.Join(names, " > "))
	fmt.Fprintln(out, formatNode(&p.Node))
	if p.Node.Children != nil {
		for _, c := range *p.Node.Children {
			fmt.Fprintln(out, formatNode(c))
		}
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := a.trees.Check(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "tree %s is consistent\n", args[0])
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	log := newLogger()
	query := url.Values{}
	if locale != "" {
		query.Set("locale", locale)
	}
	fetcher := navigator.NewHTTPFetcher(serverURL, query)

	nav, err := navigator.Load(ctx, args[0], fetcher, nil, log.Logger)
	if err != nil {
		return err
	}
	if _, ok := nav.ResolvePermalink(ctx, args[1]); !ok {
		return fmt.Errorf("permalink %s does not resolve", args[1])
	}
	out := cmd.OutOrStdout()
	for _, n := range nav.Breadcrumb() {
		fmt.Fprintln(out, formatNode(&n.Annotated))
	}
	return nil
}
