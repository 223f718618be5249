package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"gopkg.in/yaml.v3"

	"wikidot-notifier/pkg/notifier"
)

// configWikiBase is where the notifier's own settings live. A plain
// unix name maps to the HTTPS wikidot site; a full URL is used as-is.
func (s *Scraper) configWikiBase() string {
	if strings.Contains(s.config.ConfigWiki, "://") {
		return s.config.ConfigWiki
	}
	return "https://" + s.config.ConfigWiki + ".wikidot.com"
}

// SupportedWikis fetches the list of watched wikis from the
// configuration wiki. Pages that fail to parse are skipped with a
// warning; an operator typo must not take the whole refresh down.
func (s *Scraper) SupportedWikis(ctx context.Context) ([]notifier.SupportedWiki, error) {
	sources, err := s.listCategoryPages(ctx, s.config.WikiConfigCategory)
	if err != nil {
		return nil, err
	}

	var wikis []notifier.SupportedWiki
	for _, src := range sources {
		var w notifier.SupportedWiki
		if err := yaml.Unmarshal([]byte(src), &w); err != nil {
			s.logger.Warn("skipping malformed wiki config page", "error", err)
			continue
		}
		if w.ID == "" {
			s.logger.Warn("skipping wiki config page without id")
			continue
		}
		wikis = append(wikis, w)
	}

	s.logger.Info("supported wikis fetched", "count", len(wikis))
	return wikis, nil
}

// UserConfigs fetches every user's notification settings from the
// configuration wiki. Malformed pages are skipped with a warning.
func (s *Scraper) UserConfigs(ctx context.Context) ([]notifier.RawUserConfig, error) {
	sources, err := s.listCategoryPages(ctx, s.config.UserConfigCategory)
	if err != nil {
		return nil, err
	}

	var configs []notifier.RawUserConfig
	for _, src := range sources {
		var cfg notifier.RawUserConfig
		if err := yaml.Unmarshal([]byte(src), &cfg); err != nil {
			s.logger.Warn("skipping malformed user config page", "error", err)
			continue
		}
		if cfg.UserID == "" || cfg.Username == "" {
			s.logger.Warn("skipping user config page without identity")
			continue
		}
		if cfg.Frequency == "" {
			cfg.Frequency = notifier.FrequencyDaily
		}
		if cfg.Delivery == "" {
			cfg.Delivery = notifier.DeliveryPM
		}
		configs = append(configs, cfg)
	}

	s.logger.Info("user configs fetched", "count", len(configs))
	return configs, nil
}

// listCategoryPages renders every page in a category and returns the
// text of each page's code block, one entry per page.
func (s *Scraper) listCategoryPages(ctx context.Context, category string) ([]string, error) {
	body, err := s.ajaxModule(ctx, s.configWikiBase(), "list/ListPagesModule", map[string]string{
		"category":    category,
		"perPage":     "250",
		"separate":    "true",
		"module_body": "%%content%%",
	})
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, &RemoteError{Kind: ErrUnavailable, Op: "list category " + category, Err: err}
	}

	var sources []string
	doc.Find("div.list-pages-item").Each(func(_ int, item *goquery.Selection) {
		text := item.Find("div.code pre").First().Text()
		if text == "" {
			text = item.Text()
		}
		text = strings.TrimSpace(text)
		if text != "" {
			sources = append(sources, text)
		}
	})
	return sources, nil
}

// GlobalOverrides fetches the operator-level override rules. The URL
// serves plain JSON keyed by wiki ID. Rules that name an unknown action
// or no matcher are kept out of the result.
func (s *Scraper) GlobalOverrides(ctx context.Context) (notifier.GlobalOverrides, error) {
	op := "overrides " + s.config.OverridesURL

	var raw []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.OverridesURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")

			resp, err := s.client.Do(req)
			if err != nil {
				s.logger.Warn("overrides request failed, will retry", "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			raw, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("retrying overrides fetch", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			return nil, remote
		}
		return nil, &RemoteError{Kind: ErrUnavailable, Op: op, Err: err}
	}

	var overrides notifier.GlobalOverrides
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return nil, &RemoteError{Kind: ErrUnavailable, Op: op, Err: fmt.Errorf("decode overrides: %w", err)}
	}

	for wikiID, rules := range overrides {
		kept := rules[:0]
		for _, rule := range rules {
			if !rule.Valid() {
				s.logger.Warn("dropping invalid override rule", "wiki", wikiID, "action", rule.Action)
				continue
			}
			kept = append(kept, rule)
		}
		overrides[wikiID] = kept
	}

	s.logger.Info("global overrides fetched", "wikis", len(overrides))
	return overrides, nil
}
