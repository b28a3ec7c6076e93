package supervisor

import (
	"strconv"
	"strings"

	"github.com/JakeFAU/social-crawler/internal/config"
	"github.com/JakeFAU/social-crawler/internal/crawler"
)

// StartRequest is the body of POST /crawler/start.
type StartRequest struct {
	Platform          string `json:"platform"`
	LoginType         string `json:"login_type"`
	CrawlerType       string `json:"crawler_type"`
	Keywords          string `json:"keywords"`
	Seeds             string `json:"seeds"`
	SpecifiedIDs      string `json:"specified_ids"`
	CreatorIDs        string `json:"creator_ids"`
	StartPage         int    `json:"start_page"`
	MaxItems          *int   `json:"max_items,omitempty"`
	EnableComments    *bool  `json:"enable_comments,omitempty"`
	EnableSubComments bool   `json:"enable_sub_comments"`
	SaveOption        string `json:"save_option"`
	Cookies           string `json:"cookies"`
	Headless          bool   `json:"headless"`
}

// Normalize applies defaults, folds specified_ids/creator_ids into Seeds for
// the matching mode, and validates. Errors are configuration errors.
func (r *StartRequest) Normalize() error {
	const op = "supervisor.StartRequest"
	if r.LoginType == "" {
		r.LoginType = string(crawler.LoginQRCode)
	}
	if r.CrawlerType == "" {
		r.CrawlerType = string(crawler.ModeSearch)
	}
	if r.SaveOption == "" {
		r.SaveOption = string(crawler.SaveJSON)
	}
	if r.StartPage == 0 {
		r.StartPage = 1
	}
	if r.EnableComments == nil {
		enabled := true
		r.EnableComments = &enabled
	}

	p, err := crawler.ParsePlatform(r.Platform)
	if err != nil {
		return err
	}
	lt, err := crawler.ParseLoginType(r.LoginType)
	if err != nil {
		return err
	}
	mode, err := crawler.ParseMode(r.CrawlerType)
	if err != nil {
		return err
	}
	save, err := crawler.ParseSaveOption(r.SaveOption)
	if err != nil {
		return err
	}
	switch mode {
	case crawler.ModeSearch:
		if len(config.SplitList(r.Keywords)) == 0 {
			return crawler.Errorf(crawler.KindConfiguration, op, "keywords are required for search")
		}
	case crawler.ModeDetail:
		if strings.TrimSpace(r.Seeds) == "" {
			r.Seeds = r.SpecifiedIDs
		}
	case crawler.ModeCreator:
		if strings.TrimSpace(r.Seeds) == "" {
			r.Seeds = r.CreatorIDs
		}
	}
	if mode != crawler.ModeSearch && len(config.SplitList(r.Seeds)) == 0 {
		return crawler.Errorf(crawler.KindConfiguration, op, "seeds are required for %s", mode)
	}
	if r.StartPage < 1 {
		return crawler.Errorf(crawler.KindConfiguration, op, "start_page must be >= 1")
	}
	if r.MaxItems != nil && *r.MaxItems < 0 {
		return crawler.Errorf(crawler.KindConfiguration, op, "max_items must be >= 0")
	}
	r.Platform, r.LoginType, r.CrawlerType, r.SaveOption = string(p), string(lt), string(mode), string(save)
	return nil
}

// Args renders the crawler CLI flags for r. Normalize must have run.
func (r StartRequest) Args() []string {
	args := []string{
		"--platform", r.Platform,
		"--lt", r.LoginType,
		"--type", r.CrawlerType,
		"--save_data_option", r.SaveOption,
	}
	switch crawler.Mode(r.CrawlerType) {
	case crawler.ModeSearch:
		if kw := strings.TrimSpace(r.Keywords); kw != "" {
			args = append(args, "--keywords", kw)
		}
	case crawler.ModeDetail:
		if ids := strings.TrimSpace(r.Seeds); ids != "" {
			args = append(args, "--specified_id", ids)
		}
	case crawler.ModeCreator:
		if ids := strings.TrimSpace(r.Seeds); ids != "" {
			args = append(args, "--creator_id", ids)
		}
	}
	if r.StartPage != 1 {
		args = append(args, "--start", strconv.Itoa(r.StartPage))
	}
	if r.MaxItems != nil {
		args = append(args, "--max_items", strconv.Itoa(*r.MaxItems))
	}
	comments := r.EnableComments == nil || *r.EnableComments
	args = append(args,
		"--get_comment="+strconv.FormatBool(comments),
		"--get_sub_comment="+strconv.FormatBool(r.EnableSubComments),
	)
	if r.Cookies != "" {
		args = append(args, "--cookies", r.Cookies)
	}
	args = append(args, "--headless="+strconv.FormatBool(r.Headless))
	return args
}
