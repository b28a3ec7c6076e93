package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/social-crawler/internal/config"
	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/id/uuid"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitCancelled = 130
)

// flags mirrors the arguments the control plane passes to the child.
type flags struct {
	configPath     string
	platform       string
	loginType      string
	crawlerType    string
	saveOption     string
	keywords       string
	specifiedIDs   string
	creatorIDs     string
	cookies        string
	phone          string
	dateRange      string
	proxyProvider  string
	startPage      int
	maxItems       int
	maxConcurrency int
	getComment     bool
	getSubComment  bool
	headless       bool
	enableProxy    bool
	saveLogin      bool
}

func execute(ctx context.Context, args []string) int {
	root := newRootCmd(os.Stdout)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil && code == exitFailure {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	}
	return code
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled), crawler.KindOf(err) == crawler.KindCancelled:
		return exitCancelled
	default:
		return exitFailure
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "crawler",
		Short: "Runs one social-media crawl job",
		Long: `crawler logs into one platform through a real browser, enumerates
content by keyword, id list, or creator, and persists items, comments, and
creators to the selected storage back-end.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, job, err := loadJob(cmd, f)
			if err != nil {
				return err
			}
			return runJob(cmd.Context(), base, job, out)
		},
	}
	bindFlags(cmd, f)
	cmd.AddCommand(newConfigCmd(f, out))
	return cmd
}

func bindFlags(cmd *cobra.Command, f *flags) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "config file (YAML, TOML or JSON)")
	pf.StringVar(&f.platform, "platform", "", "platform tag: xhs, dy, ks, bili, wb, tieba, zhihu")
	pf.StringVar(&f.loginType, "lt", "", "login type: qrcode, phone, cookie")
	pf.StringVar(&f.crawlerType, "type", "", "crawler type: search, detail, creator")
	pf.StringVar(&f.saveOption, "save_data_option", "", "storage back-end: csv, db, sqlite, mongodb, excel, json, folder")
	pf.StringVar(&f.keywords, "keywords", "", "comma-separated search keywords")
	pf.StringVar(&f.specifiedIDs, "specified_id", "", "comma-separated item ids or URLs (detail mode)")
	pf.StringVar(&f.creatorIDs, "creator_id", "", "comma-separated creator ids or URLs (creator mode)")
	pf.StringVar(&f.cookies, "cookies", "", "cookie string for cookie login")
	pf.StringVar(&f.phone, "phone", "", "phone number for phone login")
	pf.StringVar(&f.dateRange, "date_range", "", "publish date filter YYYY-MM-DD..YYYY-MM-DD")
	pf.StringVar(&f.proxyProvider, "proxy_provider", "", "proxy vendor: jisu, wandou, kuaidaili")
	pf.IntVar(&f.startPage, "start", 1, "first search page")
	pf.IntVar(&f.maxItems, "max_items", 0, "maximum items per keyword or creator")
	pf.IntVar(&f.maxConcurrency, "max_concurrency", 0, "concurrent in-flight platform calls")
	pf.BoolVar(&f.getComment, "get_comment", true, "harvest first-level comments")
	pf.BoolVar(&f.getSubComment, "get_sub_comment", false, "harvest replies")
	pf.BoolVar(&f.headless, "headless", false, "run the managed browser headless")
	pf.BoolVar(&f.enableProxy, "enable_ip_proxy", false, "route platform traffic through the proxy pool")
	pf.BoolVar(&f.saveLogin, "save_login_state", true, "keep the browser profile between runs")
}

// overrides turns explicitly set flags into job overrides; unset flags keep
// the config-file defaults.
func overrides(cmd *cobra.Command, f *flags) config.JobOverrides {
	set := cmd.Flags().Changed
	var o config.JobOverrides
	str := func(name string, v string) *string {
		if set(name) {
			return &v
		}
		return nil
	}
	num := func(name string, v int) *int {
		if set(name) {
			return &v
		}
		return nil
	}
	flag := func(name string, v bool) *bool {
		if set(name) {
			return &v
		}
		return nil
	}
	o.Platform = str("platform", f.platform)
	o.LoginType = str("lt", f.loginType)
	o.CrawlerType = str("type", f.crawlerType)
	o.SaveOption = str("save_data_option", f.saveOption)
	o.Keywords = str("keywords", f.keywords)
	o.Cookies = str("cookies", f.cookies)
	o.Phone = str("phone", f.phone)
	o.DateRange = str("date_range", f.dateRange)
	o.ProxyProvider = str("proxy_provider", f.proxyProvider)
	o.StartPage = num("start", f.startPage)
	o.MaxItems = num("max_items", f.maxItems)
	o.MaxConcurrency = num("max_concurrency", f.maxConcurrency)
	o.EnableComments = flag("get_comment", f.getComment)
	o.EnableSubComments = flag("get_sub_comment", f.getSubComment)
	o.Headless = flag("headless", f.headless)
	o.EnableIPProxy = flag("enable_ip_proxy", f.enableProxy)
	o.SaveLoginState = flag("save_login_state", f.saveLogin)

	// Seeds come from whichever id flag matches the crawler type.
	switch {
	case set("specified_id") && set("creator_id"):
		if f.crawlerType == string(crawler.ModeCreator) {
			o.Seeds = &f.creatorIDs
		} else {
			o.Seeds = &f.specifiedIDs
		}
	case set("specified_id"):
		o.Seeds = &f.specifiedIDs
	case set("creator_id"):
		o.Seeds = &f.creatorIDs
	}
	return o
}

func loadJob(cmd *cobra.Command, f *flags) (config.Config, config.JobConfig, error) {
	base, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, config.JobConfig{}, crawler.NewError(crawler.KindConfiguration, "crawler.loadJob", err)
	}
	jobID, err := uuid.New().NewID()
	if err != nil {
		return config.Config{}, config.JobConfig{}, err
	}
	job, err := config.NewJob(base, jobID, overrides(cmd, f))
	if err != nil {
		return config.Config{}, config.JobConfig{}, err
	}
	return base, job, nil
}

func newConfigCmd(f *flags, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Prints the effective job configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, job, err := loadJob(cmd, f)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(job); err != nil {
				return fmt.Errorf("encode job config: %w", err)
			}
			return enc.Close()
		},
	}
}
