package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apiforward/apiforward/internal/declarative"
	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Send a request through the interception chain",
	Long: "Fetch sends one request, or several with --count, through the page context: " +
		"rules are matched and applied, history is recorded and captured responses are forwarded.",
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

var fetchOpts struct {
	method   string
	data     string
	headers  []string
	include  bool
	count    int
	interval time.Duration
}

func init() {
	f := fetchCmd.Flags()
	f.StringVarP(&fetchOpts.method, "request", "X", http.MethodGet, "Request method")
	f.StringVarP(&fetchOpts.data, "data", "d", "", "Request body")
	f.StringArrayVarP(&fetchOpts.headers, "header", "H", nil, "Request header as 'Name: value'")
	f.BoolVarP(&fetchOpts.include, "include", "i", false, "Print response status and headers")
	f.IntVarP(&fetchOpts.count, "count", "n", 1, "Number of requests")
	f.DurationVar(&fetchOpts.interval, "interval", time.Second, "Delay between requests")
}

func (p *page) fetch(ctx context.Context, out io.Writer, target string) error {
	var body io.Reader
	if fetchOpts.data != "" {
		body = strings.NewReader(fetchOpts.data)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(fetchOpts.method), target, body)
	if err != nil {
		return err
	}
	for _, h := range fetchOpts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("invalid header %q", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if fetchOpts.include {
		fmt.Fprintf(out, "%s %s\n", resp.Proto, resp.Status)
		_ = resp.Header.Write(out)
		fmt.Fprintln(out)
	}
	_, err = io.Copy(out, resp.Body)
	return err
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setClientLog(cfg)
	defer shutdown()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	engine := declarative.NewEngine()
	t, f, err := connect(ctx, cfg, engine)
	if err != nil {
		return err
	}
	p := newPage(ctx, cfg, t, engine, f)
	for i := 0; i < max(fetchOpts.count, 1); i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fetchOpts.interval):
			}
		}
		if err := p.fetch(ctx, cmd.OutOrStdout(), args[0]); err != nil {
			return err
		}
	}
	return nil
}
